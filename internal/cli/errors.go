package cli

import (
	"errors"

	"github.com/openfluke/viterbi/decoder"
)

func asDecodeError(err error, target **decoder.Error) bool {
	return errors.As(err, target)
}

package main

import (
	"fmt"
	"os"

	"github.com/openfluke/viterbi/internal/cli"
)

var version = "dev"

func main() {
	c := cli.New(version)
	if err := c.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

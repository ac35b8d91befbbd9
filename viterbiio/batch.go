package viterbiio

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/openfluke/viterbi/decoder"
)

// DecodeFile loads a single observation tensor from path — shape (T, S) or
// already-batched (1, T, S) — decodes it as a batch of one, and writes the
// resulting index vector to outPath. transition and initial, when non-nil,
// override whatever the input file itself carries.
func DecodeFile(ctx context.Context, path, outPath string, transition, initial *decoder.Array32, logProbs bool, device decoder.Device) error {
	req, err := LoadRequest(path, logProbs, device)
	if err != nil {
		return err
	}
	if len(req.Observation.Shape) == 2 {
		req.Observation.Shape = []int{1, req.Observation.Shape[0], req.Observation.Shape[1]}
	}
	if transition != nil {
		req.Transition = transition
	}
	if initial != nil {
		req.Initial = initial
	}

	result, err := decoder.Decode(ctx, req)
	if err != nil {
		return err
	}
	return SaveResult(outPath, result)
}

// DecodeBatch loads every input file's observation tensor, zero-pads them
// into a single (B, TMax, S) request using each file's own frame count,
// and issues one Decode call for the whole batch instead of one per file.
// transition and initial, when non-nil, are shared across every item in
// the batch; when the caller passes nil, the first per-file
// transition/initial tensor found (in input order) is used for the whole
// batch and those of later files are ignored. Each
// item's own-length path is sliced back out of the batched result and
// saved to its own output file; a bad save does not abort the others, its
// error is collected with go-multierror the same way DecodeFiles does.
func DecodeBatch(ctx context.Context, inputPaths, outputPaths []string, transition, initial *decoder.Array32, logProbs bool, device decoder.Device) error {
	if len(inputPaths) != len(outputPaths) {
		return fmt.Errorf("viterbiio: %d input files but %d output files", len(inputPaths), len(outputPaths))
	}
	if len(inputPaths) == 0 {
		return nil
	}

	reqs := make([]decoder.Request, len(inputPaths))
	s := 0
	tMax := 0
	for i, path := range inputPaths {
		req, err := LoadRequest(path, logProbs, device)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		shape := req.Observation.Shape
		if len(shape) == 2 {
			shape = []int{1, shape[0], shape[1]}
		}
		if len(shape) != 3 || shape[0] != 1 {
			return fmt.Errorf("viterbiio: %s: expected a single-item observation tensor for batch padding, got shape %v", path, req.Observation.Shape)
		}
		if s == 0 {
			s = shape[2]
		} else if shape[2] != s {
			return fmt.Errorf("viterbiio: %s: state count %d does not match earlier file's %d", path, shape[2], s)
		}
		if shape[1] > tMax {
			tMax = shape[1]
		}
		req.Observation.Shape = shape
		reqs[i] = req
		if transition == nil && req.Transition != nil {
			transition = req.Transition
		}
		if initial == nil && req.Initial != nil {
			initial = req.Initial
		}
	}

	b := len(inputPaths)
	obs := decoder.Array32{Data: make([]float32, b*tMax*s), Shape: []int{b, tMax, s}}
	frameCounts := make([]int32, b)
	for i, req := range reqs {
		frames := req.Observation.Shape[1]
		frameCounts[i] = int32(frames)
		copy(obs.Data[i*tMax*s:], req.Observation.Data[:frames*s])
	}

	batched := decoder.Request{
		Observation: obs,
		FrameCounts: frameCounts,
		Transition:  transition,
		Initial:     initial,
		LogProbs:    logProbs,
		Device:      device,
	}

	result, err := decoder.Decode(ctx, batched)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs error
	)
	var wg sync.WaitGroup
	for i := range inputPaths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frames := int(frameCounts[i])
			item := decoder.Array32I{Data: result.Data[i*tMax : i*tMax+frames], Shape: []int{frames}}
			if err := SaveResult(outputPaths[i], item); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", outputPaths[i], err))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return errs
}

// DecodeFiles runs DecodeFile over every (input, output) pair on a worker
// pool bounded by runtime.GOMAXPROCS(0). A bad file does not abort the
// batch — its error is collected with go-multierror and the remaining
// files still run, the same tolerance-of-heterogeneous-inputs stance a
// per-item dataloader loop takes. A canceled ctx stops workers from
// starting new files but does not interrupt one already decoding.
func DecodeFiles(ctx context.Context, inputPaths, outputPaths []string, transition, initial *decoder.Array32, logProbs bool, device decoder.Device) error {
	if len(inputPaths) != len(outputPaths) {
		return fmt.Errorf("viterbiio: %d input files but %d output files", len(inputPaths), len(outputPaths))
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(inputPaths) {
		numWorkers = len(inputPaths)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	work := make(chan int, len(inputPaths))
	for i := range inputPaths {
		work <- i
	}
	close(work)

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	addErr := func(path string, err error) {
		mu.Lock()
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
		mu.Unlock()
	}

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				select {
				case <-ctx.Done():
					addErr(inputPaths[i], ctx.Err())
					continue
				default:
				}
				if err := DecodeFile(ctx, inputPaths[i], outputPaths[i], transition, initial, logProbs, device); err != nil {
					addErr(inputPaths[i], err)
				}
			}
		}()
	}
	wg.Wait()
	return errs
}

//go:build !gpu

package decoder

import "context"

// This build does not link the compute kernel. Any attempt to actually
// launch it fails fast with DeviceError; computePlan already rejects a
// requested GPU device earlier, during planning, if the Device Detector
// cannot reach an adapter at all.

func decodeGPU(_ context.Context, n normalized, p plan, out Array32I) error {
	return newError(DeviceError, "decodeGPU", errGPUNotCompiled)
}

var errGPUNotCompiled = gpuTagError{}

type gpuTagError struct{}

func (gpuTagError) Error() string {
	return "gpu support not compiled in; rebuild with -tags=gpu"
}

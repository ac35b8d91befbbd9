// Package gpu holds the thin WebGPU plumbing shared by every GPU-backed
// kernel in this module: a process-wide device handle and generic
// buffer upload/readback helpers. It carries no decoding logic of its
// own — that lives in the decoder package's compute-shader kernel.
package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the single WebGPU adapter/device/queue for the process.
// Acquiring an adapter is comparatively expensive, so it is memoized
// behind a sync.Once rather than reacquired per decode call.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

var (
	ctx     Context
	ctxOnce sync.Once
	ctxErr  error
)

// GetContext returns the singleton GPU context, initializing it on first
// call. It tries a high-performance adapter first, then low-power, then
// whatever the platform default is, so the same call works on a laptop's
// integrated GPU and a workstation's discrete one.
func GetContext() (*Context, error) {
	ctxOnce.Do(func() {
		ctx.Instance = wgpu.CreateInstance(nil)
		if ctx.Instance == nil {
			ctxErr = fmt.Errorf("gpu: failed to create WebGPU instance")
			return
		}

		tryInit := func(opts *wgpu.RequestAdapterOptions) error {
			if ctx.Adapter != nil {
				return nil
			}
			var err error
			ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
			return err
		}

		var err error
		if err = tryInit(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance}); ctx.Adapter == nil {
			if err = tryInit(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower}); ctx.Adapter == nil {
				err = tryInit(nil)
			}
		}
		if ctx.Adapter == nil {
			ctxErr = fmt.Errorf("gpu: no adapter available: %w", err)
			return
		}

		ctx.Device, err = ctx.Adapter.RequestDevice(nil)
		if err != nil {
			ctxErr = fmt.Errorf("gpu: request device: %w", err)
			return
		}
		ctx.Queue = ctx.Device.GetQueue()
	})

	if ctxErr != nil {
		return nil, ctxErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("gpu: device or queue not initialized")
	}
	return &ctx, nil
}

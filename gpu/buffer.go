package gpu

import (
	"context"
	"fmt"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// EnsureGPU ensures the GPU context is initialized, without touching any
// buffers. Useful for a Planner that wants to fail fast on a missing
// adapter before it allocates anything.
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewBuffer creates a storage buffer seeded with data (a []float32,
// []int32, or []uint32, per wgpu.ToBytes' element-size switch).
func NewBuffer[T any](data []T, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer: %w", err)
	}
	return buf, nil
}

// NewZeroedBuffer creates a storage buffer of elemCount elements of size
// elemSize bytes, with no initial contents copy — used for device-local
// scratch (the back-pointer table) and for the traceback error flag, which
// the shader only ever sets and which is read as zero when nothing set it.
func NewZeroedBuffer(elemCount, elemSize int, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Size:  uint64(elemCount * elemSize),
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create zeroed buffer: %w", err)
	}
	return buf, nil
}

// ReadBuffer copies an entire buffer to a CPU-visible staging buffer and
// returns its contents as []T. ctx bounds how long the call waits on the
// map-async readback; a canceled/expired context surfaces as an error
// rather than hanging the caller forever on a stuck driver.
func ReadBuffer[T any](ctx context.Context, buffer *wgpu.Buffer, count int) ([]T, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	var zero T
	elemSize := int(unsafeSizeof(zero))
	sizeBytes := uint64(count * elemSize)

	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "readback-staging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create staging buffer: %w", err)
	}
	defer staging.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, 0, staging, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: finish command encoder: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("gpu: map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: map async: %w", err)
	}

	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			if mapErr != nil {
				return nil, mapErr
			}
			data := staging.GetMappedRange(0, uint(sizeBytes))
			if data == nil {
				return nil, fmt.Errorf("gpu: mapped range is nil")
			}
			result := make([]T, count)
			copy(result, wgpu.FromBytes[T](data))
			staging.Unmap()
			return result, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("gpu: readback canceled: %w", ctx.Err())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func unsafeSizeof[T any](v T) uintptr {
	switch any(v).(type) {
	case float32, int32, uint32:
		return 4
	case float64, int64, uint64:
		return 8
	default:
		return 4
	}
}

// WaitFor is a small helper so callers can bound a blocking GPU call with
// a deadline without importing context boilerplate at every call site.
func WaitFor(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// Package decoder implements a batched, first-order Viterbi decoder for
// time-varying categorical distributions. It exposes one entry point,
// Decode, which normalizes inputs into the log domain, plans memory and
// device placement, runs either a CPU worker-pool kernel or a WebGPU
// cooperative-workgroup kernel, and returns the most probable state
// sequence per batch item.
package decoder

import (
	"context"
	"log/slog"
)

// Decode runs a single batched decode. It is synchronous end-to-end: it
// returns only once the output index array is fully populated. There is
// no caching and no implicit batching across calls — each call is an
// independent unit of work.
//
// ctx bounds how long the call waits on a GPU readback; it has no effect
// on the CPU kernel, which never suspends.
func Decode(ctx context.Context, req Request) (Array32I, error) {
	return DecodeWithLogger(ctx, req, slog.Default())
}

// DecodeWithLogger is Decode with an explicit logger, so callers that
// care about the normalizer/planner diagnostics (or want them silenced)
// don't have to reach for slog.SetDefault.
func DecodeWithLogger(ctx context.Context, req Request, log *slog.Logger) (Array32I, error) {
	n, err := normalize(req, log)
	if err != nil {
		return Array32I{}, err
	}

	p, err := computePlan(n, req.Device, log)
	if err != nil {
		return Array32I{}, err
	}

	out := newArray32I(n.b, n.tMax) // zero-filled: padded positions never leak stale data

	if req.Device.gpu {
		if err := decodeGPU(ctx, n, p, out); err != nil {
			return Array32I{}, err
		}
	} else {
		if err := decodeCPU(n, p, out); err != nil {
			return Array32I{}, err
		}
	}

	if log != nil {
		log.Debug("decode complete", "device", req.Device, "batch", n.b)
	}

	return out, nil
}

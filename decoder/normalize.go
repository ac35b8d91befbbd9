package decoder

import (
	"log/slog"
	"math"
)

// normalized is the output of the Parameter Normalizer: every score array
// is in the natural-log domain and every optional input has a materialized
// default.
type normalized struct {
	obs        Array32 // (B, TMax, S), log domain
	frameCount []int32 // len B
	transition Array32 // (S, S), log domain
	initial    Array32 // (S,), log domain
	b, tMax, s int
}

// normalize validates shapes and produces the log-domain tuple described
// in the Parameter Normalizer contract. It is idempotent: calling it twice
// on its own output (with logProbs=true) returns the same values.
func normalize(req Request, log *slog.Logger) (normalized, error) {
	const op = "normalize"

	if len(req.Observation.Shape) != 3 {
		return normalized{}, invalidArgf(op, "observation must be 3-D (B, T_max, S), got shape %v", req.Observation.Shape)
	}
	b, tMax, s := req.Observation.Shape[0], req.Observation.Shape[1], req.Observation.Shape[2]
	if b < 1 || tMax < 1 || s < 1 {
		return normalized{}, invalidArgf(op, "observation shape (%d, %d, %d) must have all dimensions >= 1", b, tMax, s)
	}
	if len(req.Observation.Data) != b*tMax*s {
		return normalized{}, invalidArgf(op, "observation data length %d does not match shape %v", len(req.Observation.Data), req.Observation.Shape)
	}

	frameCount := make([]int32, b)
	if req.FrameCounts == nil {
		for i := range frameCount {
			frameCount[i] = int32(tMax)
		}
	} else {
		if len(req.FrameCounts) != b {
			return normalized{}, invalidArgf(op, "frame_counts length %d does not match batch size %d", len(req.FrameCounts), b)
		}
		for i, l := range req.FrameCounts {
			if l < 1 || int(l) > tMax {
				return normalized{}, invalidArgf(op, "frame_counts[%d]=%d out of range [1, %d]", i, l, tMax)
			}
		}
		copy(frameCount, req.FrameCounts)
	}

	logS := math.Log(float64(s))

	transition := newArray32(s, s)
	if req.Transition == nil {
		fillLog := -logS
		for i := range transition.Data {
			transition.Data[i] = float32(fillLog)
		}
	} else {
		if len(req.Transition.Shape) != 2 || req.Transition.Shape[0] != s || req.Transition.Shape[1] != s {
			return normalized{}, invalidArgf(op, "transition must be (%d, %d), got shape %v", s, s, req.Transition.Shape)
		}
		if len(req.Transition.Data) != s*s {
			return normalized{}, invalidArgf(op, "transition data length %d does not match shape %v", len(req.Transition.Data), req.Transition.Shape)
		}
		copy(transition.Data, req.Transition.Data)
		logConvert(transition.Data, req.LogProbs)
	}

	initial := newArray32(s)
	if req.Initial == nil {
		fillLog := float32(-logS)
		for i := range initial.Data {
			initial.Data[i] = fillLog
		}
	} else {
		if len(req.Initial.Shape) != 1 || req.Initial.Shape[0] != s {
			return normalized{}, invalidArgf(op, "initial must be (%d,), got shape %v", s, req.Initial.Shape)
		}
		if len(req.Initial.Data) != s {
			return normalized{}, invalidArgf(op, "initial data length %d does not match shape %v", len(req.Initial.Data), req.Initial.Shape)
		}
		copy(initial.Data, req.Initial.Data)
		logConvert(initial.Data, req.LogProbs)
	}

	obs := newArray32(b, tMax, s)
	copy(obs.Data, req.Observation.Data)
	logConvert(obs.Data, req.LogProbs)

	if log != nil {
		log.Debug("normalized decode parameters",
			"batch", b, "t_max", tMax, "states", s,
			"transition_default", req.Transition == nil,
			"initial_default", req.Initial == nil,
			"frame_counts_default", req.FrameCounts == nil,
			"log_probs", req.LogProbs)
	}

	return normalized{
		obs:        obs,
		frameCount: frameCount,
		transition: transition,
		initial:    initial,
		b:          b,
		tMax:       tMax,
		s:          s,
	}, nil
}

// logConvert applies natural log element-wise, exactly once, unless the
// values are already log-domain. A probability of exactly 0 maps to
// negative infinity, which is a distinguished, propagatable value rather
// than an error: -Inf + x = -Inf and max(-Inf, x) = x for finite x, both
// handled naturally by IEEE float arithmetic and the kernels' > comparisons.
func logConvert(data []float32, alreadyLog bool) {
	if alreadyLog {
		return
	}
	for i, v := range data {
		data[i] = float32(math.Log(float64(v)))
	}
}

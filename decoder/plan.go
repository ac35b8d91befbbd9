package decoder

import (
	"log/slog"

	"github.com/openfluke/viterbi/detector"
)

// plan carries the decisions the Batch Planner makes from normalized
// shapes and a device hint: chosen device, per-item offsets, and
// preallocated back-pointer storage.
type plan struct {
	device     Device
	lanes      uint32 // GPU workgroup size; unused on CPU
	offsets    []int  // per-item starting offset into obs/psi, in elements
	psi        []int32
	b, tMax, s int
}

// computePlan asks the Device Detector for the GPU's recommended workgroup
// size before doing anything else, so an unreachable adapter is reported
// as DeviceError up front rather than discovered mid-kernel-launch; it
// then allocates the back-pointer table Psi and decides per-item offsets.
// Psi is the only allocation proportional to B*T_max*S; a failed
// allocation is reported as OutOfResources rather than left to panic the
// process, since the planner is the one place that knows the allocation is
// discretionary (scratch, not caller-owned).
func computePlan(n normalized, device Device, log *slog.Logger) (plan, error) {
	const op = "plan"

	var lanes uint32
	if device.gpu {
		report, err := detector.Detect()
		if err != nil {
			return plan{}, newError(DeviceError, op, err)
		}
		lanes = recommendLanes(n.s, report.Recommended.WorkgroupX)
	}

	offsets := make([]int, n.b)
	for i := range offsets {
		offsets[i] = i * n.tMax * n.s
	}

	psi, err := allocPsi(n.b, n.tMax, n.s)
	if err != nil {
		return plan{}, newError(OutOfResources, op, err)
	}

	if log != nil {
		log.Debug("planned decode", "device", device, "lanes", lanes, "psi_elements", len(psi))
	}

	return plan{
		device:  device,
		lanes:   lanes,
		offsets: offsets,
		psi:     psi,
		b:       n.b,
		tMax:    n.tMax,
		s:       n.s,
	}, nil
}

// allocPsi allocates the (B, T_max, S) back-pointer table, always at a
// 32-bit element width: Go has no native narrow-integer slice type that
// would make 16-bit packing worthwhile at the state counts this package
// targets.
func allocPsi(b, tMax, s int) (psi []int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			psi = nil
			err = newError(OutOfResources, "allocPsi", errOOM(r))
		}
	}()
	return make([]int32, b*tMax*s), nil
}

type oomError struct{ cause any }

func (e oomError) Error() string { return "allocation failed: out of memory" }

func errOOM(r any) error { return oomError{cause: r} }

// recommendLanes picks the GPU cooperative-lane count G: a power of two no
// larger than S, clamped to the workgroup size the Device Detector
// recommended for the adapter.
func recommendLanes(s int, limit uint32) uint32 {
	g := uint32(1)
	for g*2 <= uint32(s) && g*2 <= limit {
		g *= 2
	}
	return g
}

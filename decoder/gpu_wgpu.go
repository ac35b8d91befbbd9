//go:build gpu

package decoder

import (
	"context"
	"fmt"
	"time"

	"github.com/openfluke/viterbi/gpu"
	"github.com/openfluke/webgpu/wgpu"
)

// decodeGPU dispatches one cooperative workgroup per batch item. Each
// workgroup loops over frames internally, keeping the two delta buffers
// in workgroup-shared storage and separating frames with a
// workgroupBarrier — a single persistent kernel launch, not one dispatch
// per frame, since WGSL's barrier only orders invocations within a
// dispatch, not across dispatches.
func decodeGPU(ctx context.Context, n normalized, p plan, out Array32I) error {
	const op = "decodeGPU"

	c, err := gpu.GetContext()
	if err != nil {
		return newError(DeviceError, op, err)
	}

	limits := c.Adapter.GetLimits()
	storageBudget := limits.Limits.MaxComputeWorkgroupStorageSize
	if storageBudget != 0 && uint64(2*n.s*4) > uint64(storageBudget) {
		// S is too large for workgroup-local double-buffering on this
		// adapter; fall back to the CPU kernel, which produces the same
		// result.
		return decodeCPU(n, p, out)
	}

	lanes := p.lanes
	if lanes == 0 {
		lanes = 1
	}

	frameCountsU32 := make([]uint32, n.b)
	for i, v := range n.frameCount {
		frameCountsU32[i] = uint32(v)
	}
	zeroedOut := make([]int32, n.b*n.tMax)

	obsBuf, err := gpu.NewBuffer(n.obs.Data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer obsBuf.Destroy()

	transBuf, err := gpu.NewBuffer(n.transition.Data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer transBuf.Destroy()

	initBuf, err := gpu.NewBuffer(n.initial.Data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer initBuf.Destroy()

	frameCountsBuf, err := gpu.NewBuffer(frameCountsU32, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer frameCountsBuf.Destroy()

	psiBuf, err := gpu.NewZeroedBuffer(n.b*n.tMax*n.s, 4, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer psiBuf.Destroy()

	outBuf, err := gpu.NewBuffer(zeroedOut, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer outBuf.Destroy()

	errFlagBuf, err := gpu.NewZeroedBuffer(1, 4, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst|wgpu.BufferUsageCopySrc)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer errFlagBuf.Destroy()

	params := []uint32{uint32(n.b), uint32(n.tMax), uint32(n.s)}
	paramsBuf, err := gpu.NewBuffer(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer paramsBuf.Destroy()

	shader := generateViterbiShader(n.s, lanes)
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "viterbi-forward-traceback",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shader},
	})
	if err != nil {
		return newError(DeviceError, op, err)
	}

	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "viterbi-pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer pipeline.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout: bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: paramsBuf, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: obsBuf, Size: wgpu.WholeSize},
			{Binding: 2, Buffer: transBuf, Size: wgpu.WholeSize},
			{Binding: 3, Buffer: initBuf, Size: wgpu.WholeSize},
			{Binding: 4, Buffer: frameCountsBuf, Size: wgpu.WholeSize},
			{Binding: 5, Buffer: psiBuf, Size: wgpu.WholeSize},
			{Binding: 6, Buffer: outBuf, Size: wgpu.WholeSize},
			{Binding: 7, Buffer: errFlagBuf, Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		return newError(DeviceError, op, err)
	}
	defer bindGroup.Release()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(n.b), 1, 1)
	pass.End()

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	c.Queue.Submit(cmd)

	readCtx := ctx
	if readCtx == nil {
		readCtx = context.Background()
	}
	if _, hasDeadline := readCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(readCtx, 10*time.Second)
		defer cancel()
	}
	result, err := gpu.ReadBuffer[int32](readCtx, outBuf, n.b*n.tMax)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	copy(out.Data, result)

	errFlag, err := gpu.ReadBuffer[uint32](readCtx, errFlagBuf, 1)
	if err != nil {
		return newError(DeviceError, op, err)
	}
	if errFlag[0] != 0 {
		return newError(InternalError, op, fmt.Errorf("back-pointer read outside [0, %d) during traceback", n.s))
	}
	return nil
}

// generateViterbiShader bakes the state count and lane count into the
// WGSL source as compile-time constants — the same approach the corpus
// uses to specialize a dense-layer shader per layer configuration,
// applied here to specialize the Viterbi kernel per decode call.
func generateViterbiShader(s int, lanes uint32) string {
	return fmt.Sprintf(`
struct Params {
	b: u32,
	tmax: u32,
	s: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> obs: array<f32>;
@group(0) @binding(2) var<storage, read> trans: array<f32>;
@group(0) @binding(3) var<storage, read> initp: array<f32>;
@group(0) @binding(4) var<storage, read> frame_counts: array<u32>;
@group(0) @binding(5) var<storage, read_write> psi: array<u32>;
@group(0) @binding(6) var<storage, read_write> out_p: array<i32>;
@group(0) @binding(7) var<storage, read_write> err_flag: array<u32>;

var<workgroup> delta_a: array<f32, %[1]d>;
var<workgroup> delta_b: array<f32, %[1]d>;

@compute @workgroup_size(%[2]d)
fn main(@builtin(workgroup_id) wid: vec3<u32>, @builtin(local_invocation_id) lid: vec3<u32>) {
	let b = wid.x;
	if (b >= params.b) {
		return;
	}
	let s = params.s;
	let tmax = params.tmax;
	let lb = frame_counts[b];
	let obs_base = b * tmax * s;
	let psi_base = b * tmax * s;

	var idx = lid.x;
	loop {
		if (idx >= s) { break; }
		delta_a[idx] = initp[idx] + obs[obs_base + idx];
		idx = idx + %[2]du;
	}
	workgroupBarrier();

	var cur_is_a = true;
	var t: u32 = 1u;
	loop {
		if (t >= lb) { break; }
		let obs_row = obs_base + t * s;
		let psi_row = psi_base + t * s;
		var dst = lid.x;
		loop {
			if (dst >= s) { break; }
			let emission = obs[obs_row + dst];
			var best_score: f32 = 0.0;
			var best_idx: u32 = 0u;
			var src: u32 = 0u;
			loop {
				if (src >= s) { break; }
				var prev: f32;
				if (cur_is_a) { prev = delta_a[src]; } else { prev = delta_b[src]; }
				let score = prev + trans[src * s + dst] + emission;
				if (src == 0u || score > best_score) {
					best_score = score;
					best_idx = src;
				}
				src = src + 1u;
			}
			if (cur_is_a) { delta_b[dst] = best_score; } else { delta_a[dst] = best_score; }
			psi[psi_row + dst] = best_idx;
			dst = dst + %[2]du;
		}
		workgroupBarrier();
		cur_is_a = !cur_is_a;
		t = t + 1u;
	}

	if (lid.x == 0u) {
		var best_state: u32 = 0u;
		var best_score: f32 = 0.0;
		var st: u32 = 0u;
		loop {
			if (st >= s) { break; }
			var v: f32;
			if (cur_is_a) { v = delta_a[st]; } else { v = delta_b[st]; }
			if (st == 0u || v > best_score) {
				best_score = v;
				best_state = st;
			}
			st = st + 1u;
		}
		let out_base = b * tmax;
		out_p[out_base + lb - 1u] = i32(best_state);
		var t2: i32 = i32(lb) - 2;
		loop {
			if (t2 < 0) { break; }
			best_state = psi[psi_base + u32(t2 + 1) * s + best_state];
			if (best_state >= s) {
				err_flag[0] = 1u;
				best_state = 0u;
			}
			out_p[out_base + u32(t2)] = i32(best_state);
			t2 = t2 - 1;
		}
	}
}
`, s, lanes)
}

// Package viterbiio reads and writes the safetensors container format used
// to move decode inputs (observations, transition matrix, initial
// distribution, frame counts) and outputs (the decoded path) between disk
// and the decoder package. The format is unchanged from the one the wider
// tensor ecosystem uses: an 8-byte little-endian header length, a JSON
// header describing each tensor's dtype/shape/byte range, followed by the
// raw row-major tensor bytes.
package viterbiio

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"unsafe"

	"github.com/openfluke/viterbi/decoder"
)

// Tensor is a single entry of a safetensors file, kept in its on-disk dtype
// until a caller asks for it as float32 or int32. Keeping the raw bytes
// around avoids a forced widening conversion for tensors the caller never
// reads.
type Tensor struct {
	DType string
	Shape []int
	Bytes []byte
}

func (t Tensor) numElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32 returns the tensor's values widened to float32, converting from
// F16/BF16 where necessary. F32 tensors are returned without copying the
// underlying bytes beyond the decode itself.
func (t Tensor) Float32() ([]float32, error) {
	n := t.numElements()
	out := make([]float32, n)
	switch t.DType {
	case "F32":
		if len(t.Bytes) < n*4 {
			return nil, fmt.Errorf("viterbiio: F32 tensor truncated")
		}
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(t.Bytes[i*4:])
			out[i] = math.Float32frombits(bits)
		}
	case "F16":
		if len(t.Bytes) < n*2 {
			return nil, fmt.Errorf("viterbiio: F16 tensor truncated")
		}
		for i := 0; i < n; i++ {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(t.Bytes[i*2:]))
		}
	case "BF16":
		if len(t.Bytes) < n*2 {
			return nil, fmt.Errorf("viterbiio: BF16 tensor truncated")
		}
		for i := 0; i < n; i++ {
			out[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(t.Bytes[i*2:]))
		}
	default:
		return nil, fmt.Errorf("viterbiio: unsupported float dtype %q", t.DType)
	}
	return out, nil
}

// Int32 returns the tensor's values as int32, converting from I16
// (sign-extended) or I64 (truncated to the low 32 bits); any other dtype,
// I8 included, is an error. Used for frame_counts and for round-tripping a
// decoded path.
func (t Tensor) Int32() ([]int32, error) {
	n := t.numElements()
	out := make([]int32, n)
	switch t.DType {
	case "I32":
		if len(t.Bytes) < n*4 {
			return nil, fmt.Errorf("viterbiio: I32 tensor truncated")
		}
		for i := 0; i < n; i++ {
			out[i] = int32(binary.LittleEndian.Uint32(t.Bytes[i*4:]))
		}
	case "I64":
		if len(t.Bytes) < n*8 {
			return nil, fmt.Errorf("viterbiio: I64 tensor truncated")
		}
		for i := 0; i < n; i++ {
			out[i] = int32(binary.LittleEndian.Uint64(t.Bytes[i*8:]))
		}
	case "I16":
		if len(t.Bytes) < n*2 {
			return nil, fmt.Errorf("viterbiio: I16 tensor truncated")
		}
		for i := 0; i < n; i++ {
			out[i] = int32(int16(binary.LittleEndian.Uint16(t.Bytes[i*2:])))
		}
	default:
		return nil, fmt.Errorf("viterbiio: unsupported int dtype %q", t.DType)
	}
	return out, nil
}

// Load reads every tensor in a safetensors file into memory, keyed by name.
func Load(path string) (map[string]Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("viterbiio: read %s: %w", path, err)
	}
	return LoadFromBytes(raw)
}

// LoadFromBytes parses a safetensors container already held in memory.
func LoadFromBytes(data []byte) (map[string]Tensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("viterbiio: data too short for header length")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)) < 8+headerSize {
		return nil, fmt.Errorf("viterbiio: header length %d exceeds file size", headerSize)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("viterbiio: parse header: %w", err)
	}

	body := data[8+headerSize:]
	tensors := make(map[string]Tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info struct {
			DType       string `json:"dtype"`
			Shape       []int  `json:"shape"`
			DataOffsets [2]int `json:"data_offsets"`
		}
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("viterbiio: tensor %s: parse info: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end > len(body) || start > end {
			return nil, fmt.Errorf("viterbiio: tensor %s: data offsets out of bounds", name)
		}
		tensors[name] = Tensor{DType: info.DType, Shape: info.Shape, Bytes: body[start:end]}
	}
	return tensors, nil
}

// Save writes tensors to path as a safetensors container, preceded by a
// deterministically ordered (sorted by name) header so two calls with the
// same contents produce byte-identical files.
func Save(path string, tensors map[string]Tensor) error {
	data, err := Serialize(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Serialize builds the safetensors byte layout in memory.
func Serialize(tensors map[string]Tensor) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := len(t.Bytes)
		header[name] = map[string]any{
			"dtype":        t.DType,
			"shape":        t.Shape,
			"data_offsets": []int{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("viterbiio: marshal header: %w", err)
	}

	headerSize := uint64(len(headerJSON))
	out := make([]byte, 8+int(headerSize)+offset)
	binary.LittleEndian.PutUint64(out[0:8], headerSize)
	copy(out[8:], headerJSON)

	pos := 8 + int(headerSize)
	for _, name := range names {
		t := tensors[name]
		copy(out[pos:], t.Bytes)
		pos += len(t.Bytes)
	}
	return out, nil
}

func float32Bytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func int32Bytes(values []int32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func float32frombits(bits uint32) float32 {
	return *(*float32)(unsafe.Pointer(&bits))
}

func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		bits = sign << 31
	case exponent == 0:
		exponent = 1
		for (mantissa & 0x400) == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	case exponent == 0x1F:
		bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	default:
		bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}
	return float32frombits(bits)
}

func bfloat16ToFloat32(bf16 uint16) float32 {
	return float32frombits(uint32(bf16) << 16)
}

// LoadRequest reads a decoder.Request out of a safetensors file. The
// "observations" tensor is required; its shape is passed through
// unchecked, so callers such as DecodeFile can accept (T, S) as well as
// (B, TMax, S). "frame_counts", "transition" and "initial" are read when present and
// left nil/absent otherwise, letting the normalizer synthesize its
// defaults.
func LoadRequest(path string, logProbs bool, device decoder.Device) (decoder.Request, error) {
	tensors, err := Load(path)
	if err != nil {
		return decoder.Request{}, err
	}

	obsTensor, ok := tensors["observations"]
	if !ok {
		return decoder.Request{}, fmt.Errorf("viterbiio: %s: missing \"observations\" tensor", path)
	}
	obsData, err := obsTensor.Float32()
	if err != nil {
		return decoder.Request{}, fmt.Errorf("viterbiio: %s: observations: %w", path, err)
	}

	req := decoder.Request{
		Observation: decoder.Array32{Data: obsData, Shape: obsTensor.Shape},
		LogProbs:    logProbs,
		Device:      device,
	}

	if t, ok := tensors["frame_counts"]; ok {
		fc, err := t.Int32()
		if err != nil {
			return decoder.Request{}, fmt.Errorf("viterbiio: %s: frame_counts: %w", path, err)
		}
		req.FrameCounts = fc
	}

	if t, ok := tensors["transition"]; ok {
		data, err := t.Float32()
		if err != nil {
			return decoder.Request{}, fmt.Errorf("viterbiio: %s: transition: %w", path, err)
		}
		arr := decoder.Array32{Data: data, Shape: t.Shape}
		req.Transition = &arr
	}

	if t, ok := tensors["initial"]; ok {
		data, err := t.Float32()
		if err != nil {
			return decoder.Request{}, fmt.Errorf("viterbiio: %s: initial: %w", path, err)
		}
		arr := decoder.Array32{Data: data, Shape: t.Shape}
		req.Initial = &arr
	}

	return req, nil
}

// SaveResult writes a decoded path array to path under the tensor name
// "path", dtype I32, with result's own shape.
func SaveResult(path string, result decoder.Array32I) error {
	return Save(path, map[string]Tensor{
		"path": {DType: "I32", Shape: result.Shape, Bytes: int32Bytes(result.Data)},
	})
}

// SaveRequestInputs writes the observation/transition/initial/frame_counts
// tensors a Request was built from, mirroring what LoadRequest expects to
// read back. Useful for building fixtures and for round-trip tests.
func SaveRequestInputs(path string, req decoder.Request) error {
	tensors := map[string]Tensor{
		"observations": {DType: "F32", Shape: req.Observation.Shape, Bytes: float32Bytes(req.Observation.Data)},
	}
	if req.Transition != nil {
		tensors["transition"] = Tensor{DType: "F32", Shape: req.Transition.Shape, Bytes: float32Bytes(req.Transition.Data)}
	}
	if req.Initial != nil {
		tensors["initial"] = Tensor{DType: "F32", Shape: req.Initial.Shape, Bytes: float32Bytes(req.Initial.Data)}
	}
	if req.FrameCounts != nil {
		tensors["frame_counts"] = Tensor{DType: "I32", Shape: []int{len(req.FrameCounts)}, Bytes: int32Bytes(req.FrameCounts)}
	}
	return Save(path, tensors)
}

package viterbiio

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openfluke/viterbi/decoder"
)

func writeFixture(t *testing.T, dir, name string, shape []int, data []float32) string {
	t.Helper()
	path := filepath.Join(dir, name)
	req := decoder.Request{Observation: decoder.Array32{Data: data, Shape: shape}}
	if err := SaveRequestInputs(path, req); err != nil {
		t.Fatalf("SaveRequestInputs(%s): %v", name, err)
	}
	return path
}

func TestDecodeFileWritesPath(t *testing.T) {
	dir := t.TempDir()
	in := writeFixture(t, dir, "in.safetensors", []int{3, 2}, []float32{
		1, 0,
		1, 0,
		1, 0,
	})
	out := filepath.Join(dir, "out.safetensors")

	if err := DecodeFile(context.Background(), in, out, nil, nil, false, decoder.DeviceCPU()); err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}

	tensors, err := Load(out)
	if err != nil {
		t.Fatalf("Load(out): %v", err)
	}
	path, err := tensors["path"].Int32()
	if err != nil {
		t.Fatalf("Int32: %v", err)
	}
	for i, v := range path {
		if v != 0 {
			t.Errorf("path[%d] = %d, want 0 (state 0 strictly dominates every frame)", i, v)
		}
	}
}

func TestDecodeFilesToleratesOneBadFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFixture(t, dir, "good.safetensors", []int{2, 2}, []float32{1, 0, 1, 0})
	bad := filepath.Join(dir, "missing.safetensors")

	inputs := []string{good, bad}
	outputs := []string{
		filepath.Join(dir, "good.out.safetensors"),
		filepath.Join(dir, "bad.out.safetensors"),
	}

	err := DecodeFiles(context.Background(), inputs, outputs, nil, nil, false, decoder.DeviceCPU())
	if err == nil {
		t.Fatal("expected an aggregated error for the missing input file")
	}

	if _, loadErr := Load(outputs[0]); loadErr != nil {
		t.Errorf("good file's output should exist despite the other file's failure: %v", loadErr)
	}
}

func TestDecodeFilesRejectsMismatchedLengths(t *testing.T) {
	err := DecodeFiles(context.Background(), []string{"a"}, nil, nil, nil, false, decoder.DeviceCPU())
	if err == nil {
		t.Fatal("expected an error when input/output path counts differ")
	}
}

func TestDecodeBatchPadsRaggedFrameCounts(t *testing.T) {
	dir := t.TempDir()
	short := writeFixture(t, dir, "short.safetensors", []int{2, 2}, []float32{1, 0, 1, 0})
	long := writeFixture(t, dir, "long.safetensors", []int{4, 2}, []float32{
		1, 0,
		1, 0,
		1, 0,
		1, 0,
	})

	inputs := []string{short, long}
	outputs := []string{
		filepath.Join(dir, "short.out.safetensors"),
		filepath.Join(dir, "long.out.safetensors"),
	}

	if err := DecodeBatch(context.Background(), inputs, outputs, nil, nil, false, decoder.DeviceCPU()); err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}

	shortTensors, err := Load(outputs[0])
	if err != nil {
		t.Fatalf("Load(short out): %v", err)
	}
	shortPath, err := shortTensors["path"].Int32()
	if err != nil {
		t.Fatalf("Int32: %v", err)
	}
	if len(shortPath) != 2 {
		t.Fatalf("short path length = %d, want 2 (its own frame count, not the batch's TMax)", len(shortPath))
	}

	longTensors, err := Load(outputs[1])
	if err != nil {
		t.Fatalf("Load(long out): %v", err)
	}
	longPath, err := longTensors["path"].Int32()
	if err != nil {
		t.Fatalf("Int32: %v", err)
	}
	if len(longPath) != 4 {
		t.Fatalf("long path length = %d, want 4", len(longPath))
	}
}

func TestDecodeBatchRejectsMismatchedStateCounts(t *testing.T) {
	dir := t.TempDir()
	a := writeFixture(t, dir, "a.safetensors", []int{2, 2}, []float32{1, 0, 1, 0})
	b := writeFixture(t, dir, "b.safetensors", []int{2, 3}, []float32{1, 0, 0, 1, 0, 0})

	inputs := []string{a, b}
	outputs := []string{
		filepath.Join(dir, "a.out.safetensors"),
		filepath.Join(dir, "b.out.safetensors"),
	}

	if err := DecodeBatch(context.Background(), inputs, outputs, nil, nil, false, decoder.DeviceCPU()); err == nil {
		t.Fatal("expected an error when files disagree on state count")
	}
}

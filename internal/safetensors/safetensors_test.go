package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw writes a file with the given header and data section.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(data)

	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []Tensor{
		FromF32("fc.weight", []int{2, 2}, []float32{1, -2, 3.5, 0}),
		{Name: "fc.qweight", DType: I8, Shape: []int{3}, Data: []byte{0x7f, 0x80, 0x00}},
		{Name: "a.half", DType: F16, Shape: []int{1}, Data: []byte{0x00, 0x3c}},
	}
	meta := map[string]string{"format": "qtree", "fc.scale": "0.5"}
	if err := WriteFile(path, tensors, meta); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 3 {
		t.Fatalf("expected 3 tensors, got %d", len(f.Tensors))
	}
	if f.Metadata["fc.scale"] != "0.5" || f.Metadata["format"] != "qtree" {
		t.Fatalf("unexpected metadata: %v", f.Metadata)
	}
	if (f.DataStart-8)%8 != 0 {
		t.Fatalf("header not padded: data starts at %d", f.DataStart)
	}

	// name order decides the data layout
	if info, _ := f.Tensor("a.half"); info.Start != 0 || info.End != 2 {
		t.Fatalf("unexpected offsets for a.half: %+v", info)
	}

	w, info, err := f.ReadTensorF32("fc.weight")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if info.DType != F32 || len(w) != 4 || w[1] != -2 || w[2] != 3.5 {
		t.Fatalf("unexpected weight %v (%+v)", w, info)
	}
	half, _, err := f.ReadTensorF32("a.half")
	if err != nil || half[0] != 1 {
		t.Fatalf("unexpected f16 value %v: %v", half, err)
	}
	raw, _, err := f.ReadTensor("fc.qweight")
	if err != nil || !bytes.Equal(raw, []byte{0x7f, 0x80, 0x00}) {
		t.Fatalf("unexpected int8 bytes %v: %v", raw, err)
	}
	if _, _, err := f.ReadTensorF32("fc.qweight"); err == nil {
		t.Fatal("expected an error reading I8 as float")
	}
}

func TestWriteRejectsBadTensors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tensors []Tensor
	}{
		{"size", []Tensor{{Name: "a", DType: F32, Shape: []int{2}, Data: make([]byte, 4)}}},
		{"dtype", []Tensor{{Name: "a", DType: "I64", Shape: []int{1}, Data: make([]byte, 8)}}},
		{"shape", []Tensor{{Name: "a", DType: U8, Shape: nil, Data: nil}}},
		{"duplicate", []Tensor{FromF32("a", []int{1}, []float32{1}), FromF32("a", []int{1}, []float32{2})}},
	}
	for _, tc := range tests {
		if err := Write(&bytes.Buffer{}, tc.tensors, nil); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	short := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(short); err == nil {
		t.Fatal("expected error for truncated file")
	}

	bad := writeRaw(t, map[string]any{"t": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}}, nil)
	if _, err := Open(bad); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestReadTensorBF16(t *testing.T) {
	t.Parallel()
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3F80) // 1.0
	binary.LittleEndian.PutUint16(data[2:], 0x4000) // 2.0
	path := writeRaw(t, map[string]any{"t": entry(BF16, []int{2}, 0, 4)}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _, err := f.ReadTensorF32("t")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"i32":      entry("I32", []int{2}, 0, 8),
		"mismatch": entry(F32, []int{4}, 8, 16),
	}, make([]byte, 16))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
	if _, _, err := f.ReadTensorF32("i32"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
	if _, _, err := f.ReadTensorF32("mismatch"); err == nil {
		t.Fatal("expected error for size mismatch")
	}
}

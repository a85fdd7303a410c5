package pipeline

import (
	"testing"

	"github.com/smazurov/hwencode/internal/quality"
)

func TestScaleFrame(t *testing.T) {
	// 4x4 luma with distinct values, 4x2 interleaved chroma
	src := Frame{Width: 4, Height: 4, Data: make([]byte, nv12Size(4, 4))}
	for i := range 16 {
		src.Data[i] = byte(i)
	}
	copy(src.Data[16:], []byte{100, 101, 102, 103, 110, 111, 112, 113})

	got := scaleFrame(src, quality.Resolution{Width: 2, Height: 2})
	if got.Width != 2 || got.Height != 2 {
		t.Fatalf("size = %dx%d", got.Width, got.Height)
	}
	want := []byte{0, 2, 8, 10, 100, 101}
	if string(got.Data) != string(want) {
		t.Errorf("data = %v, want %v", got.Data, want)
	}
}

func TestScaleFrameNoop(t *testing.T) {
	src := Frame{Width: 4, Height: 4, Data: make([]byte, nv12Size(4, 4))}
	tests := []struct {
		name   string
		target quality.Resolution
	}{
		{"zero target", quality.Resolution{}},
		{"same size", quality.Resolution{Width: 4, Height: 4}},
		{"rounds to zero", quality.Resolution{Width: 1, Height: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scaleFrame(src, tt.target); got.Width != 4 || &got.Data[0] != &src.Data[0] {
				t.Errorf("frame was rescaled to %dx%d", got.Width, got.Height)
			}
		})
	}
}

func TestScaleFrameOddTarget(t *testing.T) {
	src := Frame{Width: 400, Height: 300, Data: make([]byte, nv12Size(400, 300))}
	got := scaleFrame(src, quality.Resolution{Width: 201, Height: 151})
	if got.Width != 200 || got.Height != 150 || len(got.Data) != nv12Size(200, 150) {
		t.Errorf("got %dx%d with %d bytes", got.Width, got.Height, len(got.Data))
	}
}

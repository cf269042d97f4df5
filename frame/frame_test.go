package frame

import (
	"image/color"
	"testing"
)

func TestFrameSize(t *testing.T) {
	tests := []struct {
		c    Coding
		w, h int
		want int
	}{
		{Mono8, 640, 480, 307200},
		{YUV411, 640, 480, 460800},
		{YUV422, 320, 240, 153600},
		{YUV444, 160, 120, 57600},
		{RGB8, 640, 480, 921600},
		{Mono16, 1024, 768, 1572864},
		{Coding(42), 10, 10, 0},
	}
	for _, tt := range tests {
		if got := tt.c.FrameSize(tt.w, tt.h); got != tt.want {
			t.Errorf("%v %dx%d: got %d, want %d", tt.c, tt.w, tt.h, got, tt.want)
		}
	}
}

func TestPixels(t *testing.T) {
	tests := []struct {
		name string
		c    Coding
		w, h int
		buf  []byte
		x, y int
		want color.Color
	}{
		{"mono8", Mono8, 2, 2, []byte{1, 2, 3, 4}, 1, 1, color.Gray{4}},
		{"mono16 big endian", Mono16, 2, 1, []byte{0x12, 0x34, 0xab, 0xcd}, 1, 0, color.Gray16{0xabcd}},
		{"rgb8", RGB8, 2, 1, []byte{1, 2, 3, 4, 5, 6}, 1, 0, color.RGBA{4, 5, 6, 0xff}},
		{"yuv444", YUV444, 1, 1, []byte{10, 20, 30}, 0, 0, color.YCbCr{20, 10, 30}},
		{"yuv422 even", YUV422, 2, 1, []byte{10, 20, 30, 40}, 0, 0, color.YCbCr{20, 10, 30}},
		{"yuv422 odd", YUV422, 2, 1, []byte{10, 20, 30, 40}, 1, 0, color.YCbCr{40, 10, 30}},
		{"yuv411 third", YUV411, 4, 1, []byte{10, 1, 2, 30, 3, 4}, 2, 0, color.YCbCr{3, 10, 30}},
		{"yuv411 second row", YUV411, 4, 2, []byte{0, 0, 0, 0, 0, 0, 10, 1, 2, 30, 3, 4}, 3, 1, color.YCbCr{4, 10, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.c, tt.w, tt.h, tt.buf, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := f.At(tt.x, tt.y); got != tt.want {
				t.Fatalf("At(%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
			if b := f.Bounds(); b.Dx() != tt.w || b.Dy() != tt.h {
				t.Fatalf("bounds %v", b)
			}
		})
	}
}

func TestReleaseOnce(t *testing.T) {
	n := 0
	f, err := New(Mono8, 2, 2, make([]byte, 4096), func() { n++ })
	if err != nil {
		t.Fatal(err)
	}
	f.Release()
	f.Release()
	if n != 1 {
		t.Fatalf("released %d times", n)
	}
}

func TestShortFrame(t *testing.T) {
	released := false
	if _, err := New(RGB8, 4, 4, make([]byte, 10), func() { released = true }); err == nil {
		t.Fatal("short frame accepted")
	}
	if !released {
		t.Fatal("short frame not released")
	}
	if _, err := New(Coding(99), 1, 1, []byte{0}, nil); err == nil {
		t.Fatal("unknown coding accepted")
	}
}

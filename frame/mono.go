package frame

import (
	"image"
	"image/color"
)

// Register framers for these codings.
func init() {
	RegisterFramer(Mono8, newFrameMono8)
	RegisterFramer(Raw8, newFrameMono8)
	RegisterFramer(Mono16, newFrameMono16)
	RegisterFramer(Raw16, newFrameMono16)
}

type fMono8 struct {
	releaser
	b     image.Rectangle
	frame []byte
}

func newFrameMono8(w, h int, buf []byte, rel func()) (Frame, error) {
	buf, err := checkLen(Mono8, w, h, buf, rel)
	if err != nil {
		return nil, err
	}
	return &fMono8{releaser: releaser{rel}, b: image.Rect(0, 0, w, h), frame: buf}, nil
}

func (f *fMono8) ColorModel() color.Model {
	return color.GrayModel
}

func (f *fMono8) Bounds() image.Rectangle {
	return f.b
}

func (f *fMono8) At(x, y int) color.Color {
	return color.Gray{f.frame[y*f.b.Dx()+x]}
}

// Mono16 pixels are sent big-endian.
type fMono16 struct {
	releaser
	b     image.Rectangle
	frame []byte
}

func newFrameMono16(w, h int, buf []byte, rel func()) (Frame, error) {
	buf, err := checkLen(Mono16, w, h, buf, rel)
	if err != nil {
		return nil, err
	}
	return &fMono16{releaser: releaser{rel}, b: image.Rect(0, 0, w, h), frame: buf}, nil
}

func (f *fMono16) ColorModel() color.Model {
	return color.Gray16Model
}

func (f *fMono16) Bounds() image.Rectangle {
	return f.b
}

func (f *fMono16) At(x, y int) color.Color {
	i := (y*f.b.Dx() + x) * 2
	return color.Gray16{uint16(f.frame[i])<<8 | uint16(f.frame[i+1])}
}

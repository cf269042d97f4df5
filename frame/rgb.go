package frame

import (
	"image"
	"image/color"
)

type fRGB struct {
	releaser
	b      image.Rectangle
	stride int
	frame  []byte
}

// Register this framer for this coding.
func init() {
	RegisterFramer(RGB8, newFrameRGB8)
}

// Wrap a raw camera frame in a Frame so that it can be used as an image.
func newFrameRGB8(w, h int, buf []byte, rel func()) (Frame, error) {
	buf, err := checkLen(RGB8, w, h, buf, rel)
	if err != nil {
		return nil, err
	}
	return &fRGB{releaser: releaser{rel}, b: image.Rect(0, 0, w, h), stride: w * 3, frame: buf}, nil
}

func (f *fRGB) ColorModel() color.Model {
	return color.RGBAModel
}

func (f *fRGB) Bounds() image.Rectangle {
	return f.b
}

func (f *fRGB) At(x, y int) color.Color {
	i := f.stride*y + x*3
	return color.RGBA{f.frame[i], f.frame[i+1], f.frame[i+2], 0xFF}
}

package frame

import (
	"image"
	"image/color"
)

// fYUV covers the IIDC YUV layouts, which store U before Y:
//
//	YUV444: U Y V
//	YUV422: U Y0 V Y1
//	YUV411: U Y0 Y1 V Y2 Y3
type fYUV struct {
	releaser
	b      image.Rectangle
	coding Coding
	frame  []byte
}

// Register framers for these codings.
func init() {
	RegisterFramer(YUV444, yuvFramer(YUV444))
	RegisterFramer(YUV422, yuvFramer(YUV422))
	RegisterFramer(YUV411, yuvFramer(YUV411))
}

func yuvFramer(c Coding) Framer {
	return func(w, h int, buf []byte, rel func()) (Frame, error) {
		buf, err := checkLen(c, w, h, buf, rel)
		if err != nil {
			return nil, err
		}
		return &fYUV{releaser: releaser{rel}, b: image.Rect(0, 0, w, h), coding: c, frame: buf}, nil
	}
}

func (f *fYUV) ColorModel() color.Model {
	return color.YCbCrModel
}

func (f *fYUV) Bounds() image.Rectangle {
	return f.b
}

func (f *fYUV) At(x, y int) color.Color {
	p := y*f.b.Dx() + x
	switch f.coding {
	case YUV444:
		i := p * 3
		return color.YCbCr{f.frame[i+1], f.frame[i], f.frame[i+2]}
	case YUV422:
		i := (p &^ 1) * 2
		return color.YCbCr{f.frame[i+1+(p&1)*2], f.frame[i], f.frame[i+2]}
	default:
		i := (p &^ 3) * 3 / 2
		yoff := [4]int{1, 2, 4, 5}[p&3]
		return color.YCbCr{f.frame[i+yoff], f.frame[i], f.frame[i+3]}
	}
}

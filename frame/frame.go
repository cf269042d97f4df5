// package frame wraps raw IIDC camera frames as an image.
package frame

import (
	"fmt"
	"image"
)

// Coding is an IIDC color coding, numbered as in the format 7
// COLOR_CODING_ID register.
type Coding int

const (
	Mono8 Coding = iota
	YUV411
	YUV422
	YUV444
	RGB8
	Mono16
	RGB16
	SMono16
	SRGB16
	Raw8
	Raw16
)

var codingNames = map[Coding]string{
	Mono8:   "Mono8",
	YUV411:  "YUV411",
	YUV422:  "YUV422",
	YUV444:  "YUV444",
	RGB8:    "RGB8",
	Mono16:  "Mono16",
	RGB16:   "RGB16",
	SMono16: "SMono16",
	SRGB16:  "SRGB16",
	Raw8:    "Raw8",
	Raw16:   "Raw16",
}

func (c Coding) String() string {
	if s, ok := codingNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Coding(%d)", int(c))
}

// BitsPerPixel returns the average storage per pixel, or 0 for an unknown
// coding.
func (c Coding) BitsPerPixel() int {
	switch c {
	case Mono8, Raw8:
		return 8
	case YUV411:
		return 12
	case YUV422, Mono16, SMono16, Raw16:
		return 16
	case YUV444, RGB8:
		return 24
	case RGB16, SRGB16:
		return 48
	}
	return 0
}

// FrameSize returns the bytes of a w x h frame.
func (c Coding) FrameSize(w, h int) int {
	return w * h * c.BitsPerPixel() / 8
}

type Frame interface {
	image.Image
	Release()
}

// Framer wraps a raw frame of w x h pixels. rel is called once by Release.
type Framer func(w, h int, buf []byte, rel func()) (Frame, error)

var frameHandlers = map[Coding]Framer{}

// RegisterFramer registers a frame handler for a coding.
// Note that only one handler can be registered for any single coding.
func RegisterFramer(c Coding, handler Framer) {
	frameHandlers[c] = handler
}

// GetFramer returns a function that wraps the frame for this coding.
func GetFramer(c Coding) (Framer, error) {
	if f, ok := frameHandlers[c]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("No handler for coding '%s'", c)
}

// New wraps buf, which may be longer than the frame.
func New(c Coding, w, h int, buf []byte, rel func()) (Frame, error) {
	f, err := GetFramer(c)
	if err != nil {
		if rel != nil {
			rel()
		}
		return nil, err
	}
	return f(w, h, buf, rel)
}

// checkLen trims buf to the expected frame length.
func checkLen(c Coding, w, h int, buf []byte, rel func()) ([]byte, error) {
	exp := c.FrameSize(w, h)
	if len(buf) < exp {
		if rel != nil {
			defer rel()
		}
		return nil, fmt.Errorf("Wrong frame length (exp: %d, read %d)", exp, len(buf))
	}
	return buf[:exp], nil
}

// releaser calls its function at most once.
type releaser struct {
	release func()
}

// Done with frame, release back to camera (if required).
func (r *releaser) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

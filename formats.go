package dc1394

import (
	"fmt"

	"github.com/adamlouis/dc1394/frame"
)

// VideoSettings is the format, mode and rate a camera transmits with.
type VideoSettings struct {
	Format int
	Mode   int
	Rate   int
}

func (v VideoSettings) String() string {
	if v.Format == Format7 {
		return fmt.Sprintf("format 7 mode %d", v.Mode)
	}
	return fmt.Sprintf("format %d mode %d rate %d", v.Format, v.Mode, v.Rate)
}

// Format7 is the scalable image format, configured through its own CSR
// block instead of the standard tables.
const Format7 = 7

// VideoMode describes a fixed-size mode of formats 0 to 2.
type VideoMode struct {
	Width  int
	Height int
	Coding frame.Coding
}

func (m VideoMode) String() string {
	return fmt.Sprintf("%dx%d %v", m.Width, m.Height, m.Coding)
}

var standardModes = [3][]VideoMode{
	{
		{160, 120, frame.YUV444},
		{320, 240, frame.YUV422},
		{640, 480, frame.YUV411},
		{640, 480, frame.YUV422},
		{640, 480, frame.RGB8},
		{640, 480, frame.Mono8},
		{640, 480, frame.Mono16},
	},
	{
		{800, 600, frame.YUV422},
		{800, 600, frame.RGB8},
		{800, 600, frame.Mono8},
		{1024, 768, frame.YUV422},
		{1024, 768, frame.RGB8},
		{1024, 768, frame.Mono8},
		{800, 600, frame.Mono16},
		{1024, 768, frame.Mono16},
	},
	{
		{1280, 960, frame.YUV422},
		{1280, 960, frame.RGB8},
		{1280, 960, frame.Mono8},
		{1600, 1200, frame.YUV422},
		{1600, 1200, frame.RGB8},
		{1600, 1200, frame.Mono8},
		{1280, 960, frame.Mono16},
		{1600, 1200, frame.Mono16},
	},
}

// Quadlets per isochronous packet for each standard mode and rate, zero
// where the combination does not exist.
var quadletsPerPacket = [3][][8]int{
	{
		{0, 0, 15, 30, 60, 0, 0, 0},
		{0, 20, 40, 80, 160, 0, 0, 0},
		{0, 60, 120, 240, 480, 0, 0, 0},
		{0, 80, 160, 320, 640, 0, 0, 0},
		{0, 120, 240, 480, 960, 0, 0, 0},
		{0, 40, 80, 160, 320, 640, 0, 0},
		{0, 80, 160, 320, 640, 0, 0, 0},
	},
	{
		{0, 125, 250, 500, 1000, 0, 0, 0},
		{0, 0, 375, 750, 0, 0, 0, 0},
		{0, 0, 125, 250, 500, 1000, 2000, 0},
		{0, 96, 192, 384, 768, 0, 0, 0},
		{0, 144, 288, 576, 0, 0, 0, 0},
		{0, 48, 96, 192, 384, 768, 0, 0},
		{0, 125, 250, 500, 1000, 2000, 0, 0},
		{0, 96, 192, 384, 768, 0, 0, 0},
	},
	{
		{0, 160, 320, 640, 0, 0, 0, 0},
		{0, 240, 480, 960, 0, 0, 0, 0},
		{0, 80, 160, 320, 640, 0, 0, 0},
		{250, 500, 1000, 0, 0, 0, 0, 0},
		{375, 750, 0, 0, 0, 0, 0, 0},
		{125, 250, 500, 1000, 0, 0, 0, 0},
		{0, 160, 320, 640, 1280, 0, 0, 0},
		{250, 500, 1000, 0, 0, 0, 0, 0},
	},
}

// StandardMode returns the geometry of a mode of formats 0 to 2.
func StandardMode(format, mode int) (VideoMode, bool) {
	if format < 0 || format >= len(standardModes) || mode < 0 || mode >= len(standardModes[format]) {
		return VideoMode{}, false
	}
	return standardModes[format][mode], true
}

// BytesPerPacket returns the packet payload of a standard mode at a rate,
// or 0 if the mode cannot run at that rate.
func BytesPerPacket(format, mode, rate int) int {
	if _, ok := StandardMode(format, mode); !ok || rate < 0 || rate > 7 {
		return 0
	}
	return quadletsPerPacket[format][mode][rate] * 4
}

// FrameRate returns the frame rate of a rate index in frames per second:
// 1.875 for rate 0, doubling up to 240 for rate 7.
func FrameRate(rate int) float64 {
	if rate < 0 || rate > 7 {
		return 0
	}
	return 1.875 * float64(int(1)<<uint(rate))
}

// Format 7 CSR registers, relative to the mode's block.
const (
	f7MaxImageSize  = 0x000
	f7UnitSize      = 0x004
	f7ImagePosition = 0x008
	f7ImageSize     = 0x00C
	f7ColorCodingID = 0x010
	f7TotalBytesHi  = 0x038
	f7TotalBytesLo  = 0x03C
	f7PacketPara    = 0x040
	f7BytePerPacket = 0x044
)

// Format7Info is the state of a format 7 mode as read from its CSR block.
type Format7Info struct {
	Base           uint32
	MaxWidth       int
	MaxHeight      int
	Width          int
	Height         int
	Coding         frame.Coding
	BytesPerPacket int
	MaxBytes       int
	TotalBytes     int
}

// readFormat7 reads the CSR block of a format 7 mode.
func (c *Camera) readFormat7(mode int) (Format7Info, error) {
	var info Format7Info
	off, err := c.regs.ReadQuadlet(0x2E0 + 4*uint32(mode))
	if err != nil {
		return info, err
	}
	info.Base = off<<2 | 0xF0000000

	read := func(reg uint32) (uint32, error) {
		return c.regs.ReadQuadlet(info.Base + reg)
	}
	v, err := read(f7MaxImageSize)
	if err != nil {
		return info, err
	}
	info.MaxWidth, info.MaxHeight = int(v>>16), int(v&0xffff)
	if v, err = read(f7ImageSize); err != nil {
		return info, err
	}
	info.Width, info.Height = int(v>>16), int(v&0xffff)
	if v, err = read(f7ColorCodingID); err != nil {
		return info, err
	}
	info.Coding = frame.Coding(v >> 24)
	if v, err = read(f7PacketPara); err != nil {
		return info, err
	}
	info.MaxBytes = int(v & 0xffff)
	if v, err = read(f7BytePerPacket); err != nil {
		return info, err
	}
	info.BytesPerPacket = int(v >> 16)
	hi, err := read(f7TotalBytesHi)
	if err != nil {
		return info, err
	}
	lo, err := read(f7TotalBytesLo)
	if err != nil {
		return info, err
	}
	info.TotalBytes = int(uint64(hi)<<32 | uint64(lo))
	if info.TotalBytes == 0 {
		info.TotalBytes = info.Coding.FrameSize(info.Width, info.Height)
	}
	return info, nil
}

// Format7 returns the current state of a format 7 mode.
func (c *Camera) Format7(mode int) (Format7Info, error) {
	if !c.initialized {
		return Format7Info{}, errNotInitialized("format 7")
	}
	if !c.hasMode(Format7, mode) {
		return Format7Info{}, errOutOfRange("format 7", "mode %d not supported", mode)
	}
	return c.readFormat7(mode)
}

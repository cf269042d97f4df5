// Package stream allocates and releases the isochronous bus resources
// (channel, speed, bandwidth) a camera needs to stream its current video
// mode.
package stream

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
)

// RegISOChannel is the camera's ISO_Channel / ISO_Speed register.
const RegISOChannel uint32 = 0x60C

const mode1394b uint32 = 0x00008000

// Channel and bandwidth are bus-wide, so allocate/free of every manager in
// the process is serialized.
var busMu sync.Mutex

// Registers is the quadlet access the manager needs on the camera.
type Registers interface {
	ReadQuadlet(addr uint32) (uint32, error)
	WriteQuadlet(addr uint32, value uint32) error
}

// Streamer is the kernel side of stream setup.
type Streamer interface {
	SetupStream(p kernel.StreamParams) (kernel.StreamParams, error)
	TeardownStream() error
}

// Request sizes the stream to the active video geometry.
type Request struct {
	Buffers           int
	MaxBufferSize     int
	MaxBytesPerPacket int
	MaxSpeed          kernel.Speed
	// SubscribeOnly joins the stream the camera is already sending instead
	// of claiming a new channel.
	SubscribeOnly bool
	DualPacket    bool
}

// Handle describes an allocated stream.
type Handle struct {
	Channel   int
	Speed     kernel.Speed
	Bandwidth int
	Params    kernel.StreamParams
}

// Manager owns the stream resources of one camera.
type Manager struct {
	dev       Streamer
	regs      Registers
	allocated bool
}

func New(dev Streamer, regs Registers) *Manager {
	return &Manager{dev: dev, regs: regs}
}

// Allocated reports whether the last Allocate succeeded and no Free
// followed.
func (m *Manager) Allocated() bool {
	return m.allocated
}

// Allocate tears down whatever the camera may still hold (a crashed session
// can leak its channel) and claims fresh resources for req.
func (m *Manager) Allocate(req Request) (Handle, error) {
	busMu.Lock()
	defer busMu.Unlock()

	m.free()

	reg, err := m.regs.ReadQuadlet(RegISOChannel)
	if err != nil {
		glog.Errorf("InitResources: error reading ISO channel register: %v", err)
		return Handle{}, dcerr.IO("allocate stream", err)
	}

	params := kernel.StreamParams{
		Speed:             req.MaxSpeed,
		Channel:           -1,
		MaxBufferSize:     req.MaxBufferSize,
		NumberOfBuffers:   req.Buffers + 1,
		MaxBytesPerPacket: req.MaxBytesPerPacket,
		DualPacket:        req.DualPacket,
	}
	if req.SubscribeOnly {
		params.Channel, params.Speed = DecodeISOChannel(reg)
	}

	got, err := m.dev.SetupStream(params)
	if err != nil {
		glog.Errorf("InitResources: error on IsochSetupStream: %v", err)
		if errors.Is(err, kernel.ErrNoResources) {
			return Handle{}, dcerr.New(dcerr.InsufficientResources, "allocate stream", err)
		}
		return Handle{}, dcerr.IO("allocate stream", err)
	}
	m.allocated = true

	if !req.SubscribeOnly {
		glog.V(1).Infof("InitResources: setting channel %d speed %d mbps", got.Channel, got.Speed.Mbps())
		if err := m.regs.WriteQuadlet(RegISOChannel, EncodeISOChannel(reg, got.Channel, got.Speed)); err != nil {
			glog.Errorf("InitResources: error on WriteQuadlet(0x060C): %v", err)
			return Handle{}, dcerr.IO("allocate stream", err)
		}
	}

	return Handle{
		Channel:   got.Channel,
		Speed:     got.Speed,
		Bandwidth: got.Bandwidth(),
		Params:    got,
	}, nil
}

// Free releases the stream. It always asks the kernel to tear down, even
// when nothing was allocated by this manager, and callers carry on with
// their own cleanup whatever it returns.
func (m *Manager) Free() bool {
	busMu.Lock()
	defer busMu.Unlock()
	return m.free()
}

func (m *Manager) free() bool {
	m.allocated = false
	if err := m.dev.TeardownStream(); err != nil {
		glog.Errorf("FreeResources: error on TearDown: %v", err)
		return false
	}
	return true
}

// DecodeISOChannel extracts the channel and speed the camera is configured
// to transmit on.
func DecodeISOChannel(reg uint32) (int, kernel.Speed) {
	if reg&mode1394b != 0 {
		return int((reg >> 8) & 0x3f), kernel.Speed(reg & 0x7)
	}
	return int((reg >> 28) & 0x0f), kernel.Speed((reg >> 24) & 0x3)
}

// EncodeISOChannel stores channel and speed into the register value reg,
// preserving the mode bit and unrelated fields.
func EncodeISOChannel(reg uint32, channel int, speed kernel.Speed) uint32 {
	if reg&mode1394b != 0 {
		reg &= 0xffff8000
		reg |= uint32(channel&0x3f) << 8
		reg |= uint32(speed) & 0x7
		return reg
	}
	reg &= 0x0000ffff
	reg |= uint32(channel&0x0f) << 28
	reg |= (uint32(speed) & 0x3) << 24
	return reg
}

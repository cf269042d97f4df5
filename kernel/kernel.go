// Package kernel defines the contract between the acquisition layers and the
// operating system side of an IEEE-1394 camera: raw register transactions,
// isochronous stream resources, and asynchronous buffer attachment with
// per-buffer completion events.
//
// Backends live in subpackages: cdev talks to the Linux firewire-cdev
// character devices, sim is an in-process bus used by tests and examples.
package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by register transactions when the camera could not
	// keep up. It is the only error retried by the register layer.
	ErrBusy = errors.New("kernel: device busy")
	// ErrIncomplete is returned by a non-blocking Result while the kernel
	// still owns the buffer.
	ErrIncomplete = errors.New("kernel: i/o incomplete")
	// ErrNotAttached is returned by Result for a request never submitted.
	ErrNotAttached = errors.New("kernel: request not attached")
	// ErrCancelled completes requests whose stream was torn down.
	ErrCancelled = errors.New("kernel: request cancelled")
	// ErrNoResources reports channel or bandwidth exhaustion on the bus.
	ErrNoResources = errors.New("kernel: insufficient bus resources")
	ErrClosed      = errors.New("kernel: handle closed")
)

// Speed is the 1394 speed index as stored in the camera registers.
type Speed int

const (
	S100 Speed = iota
	S200
	S400
	S800
	S1600
	S3200
)

// Mbps returns the nominal bit rate.
func (s Speed) Mbps() int {
	return 100 << uint(s)
}

// Flag returns the speed as a one-hot flag (S100 = 1, S200 = 2, ...).
func (s Speed) Flag() uint32 {
	return 1 << uint(s)
}

func (s Speed) String() string {
	return fmt.Sprintf("S%d", s.Mbps())
}

// SpeedFromFlag converts a one-hot speed flag back to its index. Unknown
// flags map to S100.
func SpeedFromFlag(flag uint32) Speed {
	for s := S100; s <= S3200; s++ {
		if s.Flag() == flag {
			return s
		}
	}
	return S100
}

// Status is the immediate outcome of an attach.
type Status int

const (
	StatusSuccess Status = iota
	StatusPending
)

func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "success"
}

// StreamParams describes the isochronous stream a session needs.
type StreamParams struct {
	Speed Speed
	// Channel is the isochronous channel, -1 asks the kernel to allocate one.
	Channel           int
	MaxBufferSize     int
	NumberOfBuffers   int
	MaxBytesPerPacket int
	// DualPacket allows two packets per cycle (PGR extended layout).
	DualPacket bool
}

// Bandwidth returns the bus bandwidth of the stream in allocation units,
// where one unit is the time to send one quadlet at S1600. Every packet
// carries three quadlets of overhead.
func (p StreamParams) Bandwidth() int {
	quadlets := (p.MaxBytesPerPacket+3)/4 + 3
	units := quadlets << uint(S1600) >> uint(p.Speed)
	if p.DualPacket {
		units *= 2
	}
	return units
}

// Transport performs single register transactions in the 1394 address
// space. addr is the low 32 bits of the CSR address (0xF0F00000 and up).
type Transport interface {
	ReadRegister(addr uint32) (uint32, error)
	WriteRegister(addr uint32, value uint32) error
}

// Allocator provides frame storage and completion records. Frames must be
// page aligned.
type Allocator interface {
	AllocFrame(size int) ([]byte, error)
	FreeFrame(buf []byte) error
	NewRequest() (*Request, error)
	FreeRequest(req *Request) error
}

// Device is one camera node as seen by the kernel.
type Device interface {
	Transport
	Allocator
	Name() string
	// MaxSpeed is the fastest speed usable between host and camera.
	MaxSpeed() (Speed, error)
	// CommandBase is the camera's IIDC command register base, or zero when
	// the backend does not know it.
	CommandBase() uint32
	// SetupStream claims the stream resources. The returned params carry the
	// channel actually used.
	SetupStream(p StreamParams) (StreamParams, error)
	// TeardownStream releases whatever stream resources the device holds,
	// including leftovers of earlier sessions. It cancels attached buffers.
	TeardownStream() error
	// Open returns a long-lived isochronous handle.
	Open(exclusive bool) (Handle, error)
}

// Handle is an open isochronous receive session.
type Handle interface {
	// Attach queues buf to receive the next frame. Completion is reported
	// through req.
	Attach(buf []byte, req *Request) (Status, error)
	// Listen enables isochronous reception on the stream's channel.
	Listen() error
	// Result reports the completion of req, see Request.Result.
	Result(req *Request, block bool) (int, error)
	Close() error
}

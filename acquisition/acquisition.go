// Package acquisition drives a camera's buffer ring against the kernel's
// asynchronous isochronous receive queue.
//
// An Engine is Idle or Armed. Start allocates stream resources, creates the
// buffers, attaches them all and enables reception; any failure unwinds
// everything before the error is returned. Acquire hands out the next
// completed frame, optionally skipping stale ones. Stop always brings the
// engine back to Idle.
//
// An Engine serves a single goroutine. Entering Start, Acquire or Stop while
// another of them runs on the same engine panics.
package acquisition

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
	"github.com/adamlouis/dc1394/ring"
	"github.com/adamlouis/dc1394/stream"
)

// Flags select optional session behavior.
type Flags uint32

const (
	// StartStream turns on continuous transmission once the buffers are
	// attached.
	StartStream Flags = 1 << iota
	// SubscribeOnly joins the stream the camera already sends instead of
	// allocating a channel.
	SubscribeOnly
	// DualPacket allows two packets per isochronous cycle.
	DualPacket
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{StartStream, "start-stream"},
	{SubscribeOnly, "subscribe-only"},
	{DualPacket, "dual-packet"},
}

func (f Flags) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlag returns the flag called name.
func ParseFlag(name string) (Flags, error) {
	for _, n := range flagNames {
		if n.name == name {
			return n.flag, nil
		}
	}
	return 0, fmt.Errorf("acquisition: unknown flag %q", name)
}

// Config is fixed for the lifetime of a session.
type Config struct {
	Buffers int
	// Timeout bounds the wait for a frame in Acquire. Negative waits forever.
	Timeout time.Duration
	Flags   Flags
}

func DefaultConfig() Config {
	return Config{
		Buffers: 6,
		Timeout: time.Second,
		Flags:   StartStream,
	}
}

// Geometry sizes the stream for the active video mode.
type Geometry struct {
	FrameSize      int
	BytesPerPacket int
}

// Controller is the camera the engine acquires from.
type Controller interface {
	Initialized() bool
	CheckVideoSettings() error
	Geometry() Geometry
	MaxSpeed() kernel.Speed
	StartVideoStream() error
	StopVideoStream() error
}

// Stats counts what happened over the lifetime of an engine.
type Stats struct {
	Acquired uint64
	Dropped  uint64
	Timeouts uint64
}

// drainTimeout bounds the wait for each buffer the kernel still holds when
// the session stops.
const drainTimeout = 10 * time.Second

type Engine struct {
	dev     kernel.Device
	ctl     Controller
	streams *stream.Manager
	ring    *ring.Ring

	handle    kernel.Handle
	cfg       Config
	session   uuid.UUID
	streaming bool

	armed    atomic.Bool
	entered  atomic.Bool
	acquired atomic.Uint64
	dropped  atomic.Uint64
	timeouts atomic.Uint64
}

// New creates an idle engine. regs addresses the camera's registers for the
// stream manager.
func New(dev kernel.Device, regs stream.Registers, ctl Controller) *Engine {
	return &Engine{
		dev:     dev,
		ctl:     ctl,
		streams: stream.New(dev, regs),
		ring:    ring.New(),
	}
}

func (e *Engine) enter(op string) func() {
	if !e.entered.CompareAndSwap(false, true) {
		panic("acquisition: concurrent " + op + " on one engine")
	}
	return func() { e.entered.Store(false) }
}

// Armed reports whether a session is running.
func (e *Engine) Armed() bool {
	return e.armed.Load()
}

// Config returns the configuration of the running session, or the zero
// Config when idle.
func (e *Engine) Config() Config {
	return e.cfg
}

// SessionID identifies the running session, or the last one after Stop.
func (e *Engine) SessionID() uuid.UUID {
	return e.session
}

func (e *Engine) Stats() Stats {
	return Stats{
		Acquired: e.acquired.Load(),
		Dropped:  e.dropped.Load(),
		Timeouts: e.timeouts.Load(),
	}
}

// Start arms the engine. While armed it fails with dcerr.Busy and changes
// nothing.
func (e *Engine) Start(cfg Config) error {
	defer e.enter("Start")()

	if e.armed.Load() {
		glog.Errorf("StartImageAcquisition: the camera is already acquiring")
		return dcerr.New(dcerr.Busy, "start acquisition", nil)
	}
	if !e.ctl.Initialized() {
		glog.Errorf("StartImageAcquisition: the camera is not initialized")
		return dcerr.New(dcerr.NotInitialized, "start acquisition", nil)
	}
	if cfg.Buffers < 1 {
		glog.Errorf("StartImageAcquisition: invalid number of buffers: %d", cfg.Buffers)
		return dcerr.New(dcerr.ParamOutOfRange, "start acquisition", fmt.Errorf("buffer count %d", cfg.Buffers))
	}
	if err := e.ctl.CheckVideoSettings(); err != nil {
		glog.Errorf("StartImageAcquisition: invalid video settings: %v", err)
		if dcerr.CodeOf(err) == dcerr.InvalidVideoSettings {
			return err
		}
		return dcerr.New(dcerr.InvalidVideoSettings, "start acquisition", err)
	}

	e.cfg = cfg
	e.session = uuid.New()
	glog.V(1).Infof("StartImageAcquisition: session %s: %d buffers, timeout %v, flags %v", e.session, cfg.Buffers, cfg.Timeout, cfg.Flags)

	h, err := e.start()
	if err != nil {
		glog.Errorf("StartImageAcquisition: session %s: %v", e.session, err)
		e.teardown(h)
		return err
	}
	e.handle = h
	e.armed.Store(true)
	return nil
}

// start runs the setup steps. The handle is returned even on failure so the
// caller can tear it down.
func (e *Engine) start() (kernel.Handle, error) {
	geo := e.ctl.Geometry()
	if _, err := e.streams.Allocate(stream.Request{
		Buffers:           e.cfg.Buffers,
		MaxBufferSize:     geo.FrameSize,
		MaxBytesPerPacket: geo.BytesPerPacket,
		MaxSpeed:          e.ctl.MaxSpeed(),
		SubscribeOnly:     e.cfg.Flags&SubscribeOnly != 0,
		DualPacket:        e.cfg.Flags&DualPacket != 0,
	}); err != nil {
		return nil, err
	}

	if err := e.ring.Create(e.dev, e.cfg.Buffers, geo.FrameSize); err != nil {
		return nil, err
	}

	h, err := e.dev.Open(true)
	if err != nil {
		return nil, dcerr.IO("open device", err)
	}

	if err := e.ring.AttachAll(attachWith(h)); err != nil {
		return h, err
	}
	e.ring.MustCheck()

	if err := h.Listen(); err != nil {
		glog.Errorf("StartImageAcquisition: error on IsochListen: %v", err)
		return h, dcerr.IO("listen", err)
	}

	if e.cfg.Flags&StartStream != 0 {
		if err := e.ctl.StartVideoStream(); err != nil {
			glog.Errorf("StartImageAcquisition: error starting video stream: %v", err)
			return h, dcerr.IO("start video stream", err)
		}
		e.streaming = true
	}
	return h, nil
}

func attachWith(h kernel.Handle) ring.AttachFunc {
	return func(b *ring.Buffer) error {
		st, err := h.Attach(b.Frame(), b.Req)
		if err != nil {
			return dcerr.IO("attach buffer", err)
		}
		glog.V(2).Infof("attach: buffer %d %v", b.Index, st)
		return nil
	}
}

// waitWith waits for the kernel to hand a buffer back after the stream was
// torn down.
func waitWith(h kernel.Handle) ring.WaitFunc {
	return func(b *ring.Buffer) error {
		if h == nil || !b.Req.Attached() {
			return nil
		}
		if b.Req.Pending() {
			res, err := b.Req.Event().Wait(drainTimeout)
			if err != nil {
				return err
			}
			if res == kernel.TimedOut {
				return fmt.Errorf("buffer %d still attached after %v", b.Index, drainTimeout)
			}
		}
		_, err := h.Result(b.Req, false)
		if errors.Is(err, kernel.ErrCancelled) {
			return nil
		}
		return err
	}
}

// Acquire makes the next completed frame current and returns how many
// completed frames were skipped to get there.
//
// The buffer given out by the previous call is re-attached first. The head
// of the pending chain is polled, and only if it is still in flight does
// Acquire block on it, up to the configured timeout. With dropStale this
// repeats until a wait was needed, so every frame queued before the call is
// skipped and the one returned arrived while Acquire was blocked. A timeout
// ends the call with dcerr.FrameTimeout even after frames were skipped.
func (e *Engine) Acquire(dropStale bool) (int, error) {
	defer e.enter("Acquire")()

	if !e.armed.Load() {
		glog.Errorf("AcquireImage: not acquiring")
		return 0, dcerr.New(dcerr.NotInitialized, "acquire", nil)
	}
	h := e.handle
	attach := attachWith(h)

	advanced := 0
	for {
		if err := e.ring.RotateIn(attach); err != nil {
			return 0, err
		}
		e.ring.MustCheck()

		head := e.ring.Head()
		if head == nil {
			glog.Errorf("AcquireImage: no buffer attached")
			return 0, dcerr.IO("acquire", kernel.ErrNotAttached)
		}

		waited := false
		_, err := h.Result(head.Req, false)
		if errors.Is(err, kernel.ErrIncomplete) {
			waited = true
			glog.V(2).Infof("AcquireImage: waiting on buffer %d", head.Index)
			res, werr := head.Req.Event().Wait(e.cfg.Timeout)
			if werr != nil {
				glog.Errorf("AcquireImage: error waiting on buffer %d: %v", head.Index, werr)
				return 0, dcerr.IO("acquire", werr)
			}
			if res == kernel.TimedOut {
				e.timeouts.Add(1)
				glog.V(2).Infof("AcquireImage: session %s: timeout waiting for frame %d", e.session, head.Index)
				return 0, dcerr.New(dcerr.FrameTimeout, "acquire", nil)
			}
			_, err = h.Result(head.Req, true)
		}
		if err != nil {
			glog.Errorf("AcquireImage: error on buffer %d: %v", head.Index, err)
			return 0, dcerr.IO("acquire", err)
		}

		glog.V(2).Infof("AcquireImage: frame %d is ready", head.Index)
		e.ring.PromoteHead()
		e.ring.MustCheck()
		advanced++

		if !dropStale || waited {
			break
		}
	}

	dropped := advanced - 1
	e.acquired.Add(1)
	e.dropped.Add(uint64(dropped))
	glog.V(2).Infof("AcquireImage: current buffer is now %d, dropped %d", e.ring.Current().Index, dropped)
	return dropped, nil
}

// Stop returns the engine to Idle. Failures along the way are logged and the
// teardown continues; it always returns nil.
func (e *Engine) Stop() error {
	defer e.enter("Stop")()

	if !e.armed.Load() && e.ring.Len() == 0 && !e.streams.Allocated() {
		glog.Warningf("StopImageAcquisition: called when not acquiring")
		return nil
	}
	e.teardown(e.handle)
	return nil
}

func (e *Engine) teardown(h kernel.Handle) {
	e.armed.Store(false)
	if e.streaming {
		if err := e.ctl.StopVideoStream(); err != nil {
			glog.Errorf("StopImageAcquisition: error stopping video stream: %v", err)
		}
		e.streaming = false
	}
	e.streams.Free()
	e.ring.Drain(waitWith(h), e.dev)
	if h != nil {
		if err := h.Close(); err != nil {
			glog.Errorf("StopImageAcquisition: error closing device handle: %v", err)
		}
	}
	e.handle = nil
	e.cfg = Config{}
	glog.V(1).Infof("StopImageAcquisition: session %s stopped", e.session)
}

// FrameEvent returns the completion event of the buffer Acquire will look at
// next, or nil when no buffer is pending. Wait on it (kernel.WaitAny over
// several engines) to know Acquire will not block.
func (e *Engine) FrameEvent() *kernel.Event {
	if !e.armed.Load() {
		return nil
	}
	head := e.ring.Head()
	if head == nil {
		return nil
	}
	return head.Req.Event()
}

// RawFrame returns the current frame, or false before the first Acquire.
func (e *Engine) RawFrame() ([]byte, bool) {
	if !e.armed.Load() {
		return nil, false
	}
	cur := e.ring.Current()
	if cur == nil {
		return nil, false
	}
	return cur.Frame(), true
}

// Current returns the index of the current buffer, or ring.None.
func (e *Engine) Current() int {
	if cur := e.ring.Current(); cur != nil {
		return cur.Index
	}
	return ring.None
}

// Package sim is an in-process IEEE-1394 bus with IIDC cameras attached.
//
// A Camera implements kernel.Device: it has a register file, claims channels
// and bandwidth from its Bus, and completes attached buffers when frames are
// delivered with Deliver or Run. Faults can be injected at every step the
// acquisition engine goes through, and live allocations are counted so tests
// can check that nothing leaks.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

const (
	// Channel 63 is the broadcast channel and is never allocated.
	numChannels = 63
	// Bandwidth available for isochronous traffic, in allocation units.
	busBandwidth = 4915

	commandBase uint32 = 0xF0F00000
	format7Base uint32 = 0xF0F08000
)

// Bus tracks channel and bandwidth use across the cameras on it.
type Bus struct {
	mu        sync.Mutex
	channels  uint64
	bandwidth int
}

func NewBus() *Bus {
	return &Bus{bandwidth: busBandwidth}
}

func (b *Bus) claim(bandwidth int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bandwidth > b.bandwidth {
		return -1, fmt.Errorf("%w: need %d bandwidth units, %d left", kernel.ErrNoResources, bandwidth, b.bandwidth)
	}
	for ch := 0; ch < numChannels; ch++ {
		if b.channels&(1<<uint(ch)) == 0 {
			b.channels |= 1 << uint(ch)
			b.bandwidth -= bandwidth
			return ch, nil
		}
	}
	return -1, fmt.Errorf("%w: no free channel", kernel.ErrNoResources)
}

func (b *Bus) release(channel, bandwidth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels &^= 1 << uint(channel)
	b.bandwidth += bandwidth
}

// Channels returns the number of allocated channels.
func (b *Bus) Channels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for m := b.channels; m != 0; m &= m - 1 {
		n++
	}
	return n
}

// Bandwidth returns the unallocated bandwidth.
func (b *Bus) Bandwidth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bandwidth
}

// Faults selects failures to inject. Zero values inject nothing. The *At
// fields are 1-based call counts: AllocFrameAt = 3 fails the third
// AllocFrame after the faults were set.
type Faults struct {
	Setup        error
	Teardown     error
	Open         error
	Listen       error
	Attach       error
	AttachAt     int
	AllocFrameAt int
	NewRequestAt int
	MaxSpeed     error
	// Write fails register writes to these absolute addresses.
	Write map[uint32]error
	// Busy answers this many register transactions with kernel.ErrBusy.
	Busy int
}

// Camera is a simulated IIDC camera node.
type Camera struct {
	kernel.PageAllocator

	bus  *Bus
	name string

	mu          sync.Mutex
	regs        map[uint32]uint32
	speed       kernel.Speed
	faults      Faults
	attachCalls int
	allocCalls  int
	reqCalls    int
	liveFrames  int
	liveReqs    int
	stream      *kernel.StreamParams
	ownsChannel bool
	handles     map[*Handle]struct{}
	seq         uint64
}

// NewCamera creates a camera on its own bus.
func NewCamera(name string) *Camera {
	return NewBus().NewCamera(name)
}

// NewCamera attaches a camera to the bus.
func (b *Bus) NewCamera(name string) *Camera {
	c := &Camera{
		bus:     b,
		name:    name,
		speed:   kernel.S400,
		handles: make(map[*Handle]struct{}),
	}
	c.regs = defaultRegisters()
	return c
}

func defaultRegisters() map[uint32]uint32 {
	r := map[uint32]uint32{
		0x100: 0x81000000, // formats 0 and 7
		0x180: 0x54000000, // format 0 modes 1, 3, 5
		0x19C: 0x80000000, // format 7 mode 0
		0x2E0: (format7Base - 0xF0000000) / 4,
		0x400: 0x00809800, // 1394b, power, one shot, multi shot
		0x600: 4 << 29,    // 30 fps
		0x604: 5 << 29,    // 640x480 mono8
		0x608: 0 << 29,    // format 0
		0x60C: 0x02000000, // 1394a, channel 0, S400
		0x610: 0x80000000,
		0x614: 0,
		0x61C: 0,
	}
	for _, mode := range []uint32{1, 3, 5} {
		r[0x200+4*mode] = 0x38000000 // 7.5, 15 and 30 fps
	}
	regs := make(map[uint32]uint32, len(r)+16)
	for off, v := range r {
		regs[commandBase+off] = v
	}
	f7 := map[uint32]uint32{
		0x000: 1024<<16 | 768,
		0x004: 2<<16 | 2,
		0x008: 0,
		0x00C: 640<<16 | 480,
		0x010: 0 << 24,
		0x014: 0x80000000,
		0x034: 640 * 480,
		0x038: 0,
		0x03C: 640 * 480,
		0x040: 4<<16 | 4096,
		0x044: 2048<<16 | 2048,
	}
	for off, v := range f7 {
		regs[format7Base+off] = v
	}
	return regs
}

func (c *Camera) Name() string {
	return c.name
}

// Bus returns the bus the camera is attached to.
func (c *Camera) Bus() *Bus {
	return c.bus
}

func (c *Camera) CommandBase() uint32 {
	return commandBase
}

// SetFaults replaces the injected faults and restarts the call counters.
func (c *Camera) SetFaults(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
	c.attachCalls = 0
	c.allocCalls = 0
	c.reqCalls = 0
}

// SetSpeed sets the maximum speed reported to the host.
func (c *Camera) SetSpeed(s kernel.Speed) {
	c.mu.Lock()
	c.speed = s
	c.mu.Unlock()
}

// Register returns a register by offset from the command base or absolute
// address, bypassing faults.
func (c *Camera) Register(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[resolve(addr)]
}

// SetRegister stores a register value, bypassing faults.
func (c *Camera) SetRegister(addr uint32, value uint32) {
	c.mu.Lock()
	c.regs[resolve(addr)] = value
	c.mu.Unlock()
}

func resolve(addr uint32) uint32 {
	if addr&0xF0000000 == 0xF0000000 {
		return addr
	}
	return commandBase + addr
}

func (c *Camera) busy() bool {
	if c.faults.Busy > 0 {
		c.faults.Busy--
		return true
	}
	return false
}

func (c *Camera) ReadRegister(addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy() {
		return 0, kernel.ErrBusy
	}
	v, ok := c.regs[addr]
	if !ok && addr < commandBase {
		return 0, fmt.Errorf("sim: address 0x%08x: %w", addr, unix.EIO)
	}
	return v, nil
}

func (c *Camera) WriteRegister(addr uint32, value uint32) error {
	c.mu.Lock()
	if c.busy() {
		c.mu.Unlock()
		return kernel.ErrBusy
	}
	if err := c.faults.Write[addr]; err != nil {
		c.mu.Unlock()
		return err
	}
	shots := 0
	switch addr - commandBase {
	case 0x000:
		if value&0x80000000 != 0 {
			c.regs = defaultRegisters()
			c.mu.Unlock()
			return nil
		}
	case 0x61C:
		switch {
		case value&0x80000000 != 0:
			shots = 1
		case value&0x40000000 != 0:
			shots = int(value & 0xffff)
		}
		value = 0
	}
	c.regs[addr] = value
	c.mu.Unlock()

	if shots > 0 {
		c.deliver(shots, true)
	}
	return nil
}

func (c *Camera) MaxSpeed() (kernel.Speed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.MaxSpeed != nil {
		return 0, c.faults.MaxSpeed
	}
	return c.speed, nil
}

func (c *Camera) AllocFrame(size int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocCalls++
	if c.faults.AllocFrameAt > 0 && c.allocCalls == c.faults.AllocFrameAt {
		return nil, unix.ENOMEM
	}
	buf, err := c.PageAllocator.AllocFrame(size)
	if err != nil {
		return nil, err
	}
	c.liveFrames++
	return buf, nil
}

func (c *Camera) FreeFrame(buf []byte) error {
	if buf == nil {
		return nil
	}
	c.mu.Lock()
	c.liveFrames--
	c.mu.Unlock()
	return c.PageAllocator.FreeFrame(buf)
}

func (c *Camera) NewRequest() (*kernel.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqCalls++
	if c.faults.NewRequestAt > 0 && c.reqCalls == c.faults.NewRequestAt {
		return nil, unix.EMFILE
	}
	req, err := kernel.NewRequest()
	if err != nil {
		return nil, err
	}
	c.liveReqs++
	return req, nil
}

func (c *Camera) FreeRequest(req *kernel.Request) error {
	if req == nil {
		return nil
	}
	c.mu.Lock()
	c.liveReqs--
	c.mu.Unlock()
	return req.Close()
}

// LiveFrames returns the number of frame buffers not yet freed.
func (c *Camera) LiveFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveFrames
}

// LiveRequests returns the number of requests (and events) not yet freed.
func (c *Camera) LiveRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveReqs
}

// OpenHandles returns the number of isochronous handles not yet closed.
func (c *Camera) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Stream returns the active stream parameters.
func (c *Camera) Stream() (kernel.StreamParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return kernel.StreamParams{}, false
	}
	return *c.stream, true
}

func (c *Camera) SetupStream(p kernel.StreamParams) (kernel.StreamParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.Setup != nil {
		return p, c.faults.Setup
	}
	if c.stream != nil {
		return p, fmt.Errorf("sim: stream already set up on channel %d: %w", c.stream.Channel, unix.EBUSY)
	}
	owns := false
	if p.Channel < 0 {
		ch, err := c.bus.claim(p.Bandwidth())
		if err != nil {
			return p, err
		}
		p.Channel = ch
		owns = true
	}
	c.stream = &p
	c.ownsChannel = owns
	glog.V(2).Infof("sim %s: stream on channel %d at %v, %d units", c.name, p.Channel, p.Speed, p.Bandwidth())
	return p, nil
}

func (c *Camera) TeardownStream() error {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	if c.stream != nil && c.ownsChannel {
		c.bus.release(c.stream.Channel, c.stream.Bandwidth())
	}
	c.stream = nil
	c.ownsChannel = false
	err := c.faults.Teardown
	c.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	return err
}

func (c *Camera) Open(exclusive bool) (kernel.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.Open != nil {
		return nil, c.faults.Open
	}
	for o := range c.handles {
		if exclusive || o.exclusive {
			return nil, unix.EBUSY
		}
	}
	h := &Handle{cam: c, exclusive: exclusive}
	c.handles[h] = struct{}{}
	return h, nil
}

// Attached returns the number of buffers queued across all handles.
func (c *Camera) Attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for h := range c.handles {
		n += len(h.queue)
	}
	return n
}

// Deliver completes up to n of the oldest attached buffers with synthetic
// frames, as long as the camera is transmitting (ISO_EN set) and a handle
// listens. It returns the number of frames delivered.
func (c *Camera) Deliver(n int) int {
	return c.deliver(n, false)
}

func (c *Camera) deliver(n int, shot bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || (!shot && c.regs[commandBase+0x614]&0x80000000 == 0) {
		return 0
	}
	delivered := 0
	for h := range c.handles {
		if !h.listening {
			continue
		}
		for delivered < n && len(h.queue) > 0 {
			a := h.queue[0]
			h.queue = h.queue[1:]
			size := c.stream.MaxBufferSize
			if size > len(a.buf) {
				size = len(a.buf)
			}
			fill(a.buf[:size], c.seq)
			c.seq++
			a.req.Complete(size, nil)
			delivered++
		}
	}
	return delivered
}

// Run delivers one frame every interval until ctx is done.
func (c *Camera) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Deliver(1)
		}
	}
}

// fill stamps a frame with its sequence number in the first eight bytes and
// the low byte of the sequence everywhere else.
func fill(buf []byte, seq uint64) {
	for i := range buf {
		buf[i] = byte(seq)
	}
	if len(buf) >= 8 {
		binary.BigEndian.PutUint64(buf, seq)
	}
}

// FrameSeq returns the sequence number stamped into a delivered frame.
func FrameSeq(frame []byte) (uint64, error) {
	if len(frame) < 8 {
		return 0, errors.New("sim: frame too short")
	}
	return binary.BigEndian.Uint64(frame), nil
}

type attachment struct {
	buf []byte
	req *kernel.Request
}

// Handle is an open isochronous session on a simulated camera.
type Handle struct {
	cam       *Camera
	queue     []attachment
	exclusive bool
	listening bool
	closed    bool
}

func (h *Handle) Attach(buf []byte, req *kernel.Request) (kernel.Status, error) {
	c := h.cam
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.closed {
		return kernel.StatusSuccess, kernel.ErrClosed
	}
	c.attachCalls++
	if c.faults.Attach != nil && (c.faults.AttachAt == 0 || c.attachCalls == c.faults.AttachAt) {
		return kernel.StatusSuccess, c.faults.Attach
	}
	if err := req.Begin(); err != nil {
		return kernel.StatusSuccess, err
	}
	h.queue = append(h.queue, attachment{buf: buf, req: req})
	return kernel.StatusPending, nil
}

func (h *Handle) Listen() error {
	c := h.cam
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faults.Listen != nil {
		return c.faults.Listen
	}
	if c.stream == nil {
		return fmt.Errorf("sim: listen without a stream: %w", unix.EINVAL)
	}
	h.listening = true
	return nil
}

func (h *Handle) Result(req *kernel.Request, block bool) (int, error) {
	return req.Result(block)
}

// cancel hands every queued buffer back with kernel.ErrCancelled.
func (h *Handle) cancel() {
	c := h.cam
	c.mu.Lock()
	queue := h.queue
	h.queue = nil
	h.listening = false
	c.mu.Unlock()
	for _, a := range queue {
		a.req.Complete(0, kernel.ErrCancelled)
	}
}

func (h *Handle) Close() error {
	h.cancel()
	c := h.cam
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.closed {
		return kernel.ErrClosed
	}
	h.closed = true
	delete(c.handles, h)
	return nil
}

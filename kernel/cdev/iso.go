//go:build linux

package cdev

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

type attachment struct {
	buf  []byte
	req  *kernel.Request
	slot int
}

// Handle is an isochronous receive context on its own descriptor. The DMA
// region holds one slot per stream buffer; slots are queued round robin and
// complete in the order they were attached.
type Handle struct {
	dev    *Device
	f      *os.File
	ctx    uint32
	params kernel.StreamParams

	// exclusive is set before the handle is registered with dev.
	exclusive bool

	dma      []byte
	slots    int
	slotSize int
	packets  int
	bpp      int

	mu        sync.Mutex
	next      int
	queue     []attachment
	listening bool
	closed    bool
	readDone  chan struct{}
}

func openHandle(d *Device, p kernel.StreamParams) (*Handle, error) {
	if p.MaxBytesPerPacket <= 0 || p.MaxBufferSize <= 0 || p.NumberOfBuffers <= 0 {
		return nil, fmt.Errorf("cdev: invalid stream parameters %+v: %w", p, unix.EINVAL)
	}
	f, err := openNode(d.path)
	if err != nil {
		return nil, err
	}
	create := &fw_cdev_create_iso_context{
		_type:       FW_CDEV_ISO_CONTEXT_RECEIVE,
		header_size: isoHeaderSize,
		channel:     uint32(p.Channel),
		speed:       uint32(p.Speed),
	}
	if err := control(f, FW_CDEV_IOC_CREATE_ISO_CONTEXT, unsafe.Pointer(create)); err != nil {
		f.Close()
		return nil, fmt.Errorf("create iso context: %w", err)
	}

	h := &Handle{
		dev:      d,
		f:        f,
		ctx:      create.handle,
		params:   p,
		slots:    p.NumberOfBuffers,
		bpp:      p.MaxBytesPerPacket,
		packets:  (p.MaxBufferSize + p.MaxBytesPerPacket - 1) / p.MaxBytesPerPacket,
		readDone: make(chan struct{}),
	}
	h.slotSize = h.packets * h.bpp

	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	var merr error
	if err := rc.Control(func(fd uintptr) {
		h.dma, merr = unix.Mmap(int(fd), 0, h.slots*h.slotSize, unix.PROT_READ, unix.MAP_SHARED)
	}); err != nil {
		merr = err
	}
	if merr != nil {
		f.Close()
		return nil, fmt.Errorf("map %d iso slots of %d bytes: %w", h.slots, h.slotSize, merr)
	}
	glog.V(2).Infof("cdev: %s: iso context %d, %d slots of %d packets", d.path, h.ctx, h.slots, h.packets)
	go h.readEvents()
	return h, nil
}

func (h *Handle) Attach(buf []byte, req *kernel.Request) (kernel.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return kernel.StatusSuccess, kernel.ErrClosed
	}
	if len(h.queue) >= h.slots {
		return kernel.StatusSuccess, fmt.Errorf("cdev: all %d iso slots queued: %w", h.slots, unix.EBUSY)
	}
	slot := h.next
	controls := packetControls(h.packets, h.bpp)
	queue := &fw_cdev_queue_iso{
		packets: uint64(uintptr(unsafe.Pointer(&controls[0]))),
		data:    uint64(uintptr(unsafe.Pointer(&h.dma[slot*h.slotSize]))),
		size:    uint32(len(controls) * 4),
		handle:  h.ctx,
	}
	if err := req.Begin(); err != nil {
		return kernel.StatusSuccess, err
	}
	err := control(h.f, FW_CDEV_IOC_QUEUE_ISO, unsafe.Pointer(queue))
	runtime.KeepAlive(controls)
	if err != nil {
		req.Complete(0, err)
		return kernel.StatusSuccess, fmt.Errorf("queue iso: %w", err)
	}
	h.next = (h.next + 1) % h.slots
	h.queue = append(h.queue, attachment{buf: buf, req: req, slot: slot})
	return kernel.StatusPending, nil
}

func (h *Handle) Listen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return kernel.ErrClosed
	}
	start := &fw_cdev_start_iso{
		cycle:  -1,
		sync:   1,
		tags:   FW_CDEV_ISO_CONTEXT_MATCH_ALL_TAGS,
		handle: h.ctx,
	}
	if err := control(h.f, FW_CDEV_IOC_START_ISO, unsafe.Pointer(start)); err != nil {
		return fmt.Errorf("start iso: %w", err)
	}
	h.listening = true
	return nil
}

func (h *Handle) Result(req *kernel.Request, block bool) (int, error) {
	return req.Result(block)
}

func (h *Handle) readEvents() {
	defer close(h.readDone)
	buf := make([]byte, eventBufferSize)
	for {
		n, err := h.f.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				glog.Errorf("cdev: %s: reading iso events: %v", h.dev.path, err)
			}
			return
		}
		ev, err := decodeEvent(buf[:n])
		if err != nil {
			glog.Warningf("cdev: %s: %v", h.dev.path, err)
			continue
		}
		if ev.typ == FW_CDEV_EVENT_ISO_INTERRUPT {
			h.complete(ev.cycle)
		}
	}
}

// complete hands the oldest attached buffer back with the contents of its
// slot.
func (h *Handle) complete(cycle uint32) {
	h.mu.Lock()
	if len(h.queue) == 0 {
		h.mu.Unlock()
		glog.Warningf("cdev: %s: iso interrupt at cycle %d with no buffer queued", h.dev.path, cycle)
		return
	}
	a := h.queue[0]
	h.queue = h.queue[1:]
	size := h.params.MaxBufferSize
	if size > len(a.buf) {
		size = len(a.buf)
	}
	off := a.slot * h.slotSize
	copy(a.buf[:size], h.dma[off:off+size])
	h.mu.Unlock()

	glog.V(2).Infof("cdev: %s: slot %d complete at cycle %d", h.dev.path, a.slot, cycle)
	a.req.Complete(size, nil)
}

// cancel stops reception and hands every queued buffer back with
// kernel.ErrCancelled.
func (h *Handle) cancel() {
	h.mu.Lock()
	if h.listening && !h.closed {
		stop := &fw_cdev_stop_iso{handle: h.ctx}
		if err := control(h.f, FW_CDEV_IOC_STOP_ISO, unsafe.Pointer(stop)); err != nil {
			glog.Warningf("cdev: %s: stop iso: %v", h.dev.path, err)
		}
	}
	h.listening = false
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()
	for _, a := range queue {
		a.req.Complete(0, kernel.ErrCancelled)
	}
}

func (h *Handle) Close() error {
	h.cancel()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return kernel.ErrClosed
	}
	h.closed = true
	h.mu.Unlock()

	h.dev.release(h)
	err := h.f.Close()
	<-h.readDone
	if merr := unix.Munmap(h.dma); merr != nil && err == nil {
		err = merr
	}
	return err
}

//go:build linux

// Package cdev is the Linux backend of kernel.Device, built on the
// firewire-cdev character devices (/dev/fw*).
//
// Register transactions and stream resources go through the node's
// descriptor; every isochronous handle opens its own descriptor with a
// receive context and an mmap'ed DMA region. Completed frames are copied
// from the DMA slot into the buffer the caller attached.
package cdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/blackjack/webcam/ioctl"
	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

const (
	transactionTimeout = 2 * time.Second
	romQuadlets        = 256
	// Large enough for an iso interrupt carrying the headers of a full
	// frame.
	eventBufferSize = 64 << 10
)

// ErrNotIIDC is returned by ParseConfigROM for nodes without an IIDC unit.
var ErrNotIIDC = errors.New("cdev: no IIDC unit in config ROM")

// ListDevices returns the firewire nodes that carry an IIDC camera unit.
// Nodes that cannot be opened are skipped.
func ListDevices() ([]string, error) {
	paths, err := filepath.Glob("/dev/fw*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var cams []string
	for _, p := range paths {
		f, err := openNode(p)
		if err != nil {
			glog.V(1).Infof("ListDevices: %s: %v", p, err)
			continue
		}
		rom, _, err := getInfo(f)
		f.Close()
		if err != nil {
			glog.V(1).Infof("ListDevices: %s: %v", p, err)
			continue
		}
		if _, err := ParseConfigROM(rom); err == nil {
			cams = append(cams, p)
		}
	}
	return cams, nil
}

func openNode(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// control runs an ioctl on f without switching it to blocking mode.
func control(f *os.File, op uintptr, arg unsafe.Pointer) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ioerr error
	if err := rc.Control(func(fd uintptr) {
		ioerr = ioctl.Ioctl(fd, op, uintptr(arg))
	}); err != nil {
		return err
	}
	return ioerr
}

// getInfo returns the config ROM of the node and the current bus generation.
func getInfo(f *os.File) ([]uint32, uint32, error) {
	rom := make([]uint32, romQuadlets)
	reset := &fw_cdev_event_bus_reset{}
	info := &fw_cdev_get_info{
		version:    cdevVersion,
		rom_length: uint32(len(rom) * 4),
		rom:        uint64(uintptr(unsafe.Pointer(&rom[0]))),
		bus_reset:  uint64(uintptr(unsafe.Pointer(reset))),
	}
	err := control(f, FW_CDEV_IOC_GET_INFO, unsafe.Pointer(info))
	runtime.KeepAlive(rom)
	runtime.KeepAlive(reset)
	if err != nil {
		return nil, 0, fmt.Errorf("get info: %w", err)
	}
	n := int(info.rom_length / 4)
	if n > len(rom) {
		n = len(rom)
	}
	return rom[:n], reset.generation, nil
}

// ParseConfigROM finds the IIDC command register base in a config ROM given
// as host-order quadlets.
func ParseConfigROM(rom []uint32) (uint32, error) {
	if len(rom) == 0 {
		return 0, fmt.Errorf("cdev: empty config ROM")
	}
	root := 1 + int(rom[0]>>24)
	for _, unit := range directory(rom, root, 0xD1) {
		spec, ok := entry(rom, unit, 0x12)
		if !ok || spec != 0x00A02D {
			continue
		}
		for _, dep := range directory(rom, unit, 0xD4) {
			if v, ok := entry(rom, dep, 0x40); ok {
				return 0xF0000000 + v*4, nil
			}
		}
	}
	return 0, ErrNotIIDC
}

// entries returns the index range of the entries of the directory at dir.
func entries(rom []uint32, dir int) (int, int) {
	if dir < 0 || dir >= len(rom) {
		return 0, 0
	}
	end := dir + 1 + int(rom[dir]>>16)
	if end > len(rom) {
		end = len(rom)
	}
	return dir + 1, end
}

// directory returns the indices of the subdirectories with key in dir.
func directory(rom []uint32, dir int, key uint32) []int {
	var dirs []int
	start, end := entries(rom, dir)
	for i := start; i < end; i++ {
		if rom[i]>>24 == key {
			dirs = append(dirs, i+int(rom[i]&0xffffff))
		}
	}
	return dirs
}

func entry(rom []uint32, dir int, key uint32) (uint32, bool) {
	start, end := entries(rom, dir)
	for i := start; i < end; i++ {
		if rom[i]>>24 == key {
			return rom[i] & 0xffffff, true
		}
	}
	return 0, false
}

// Device is one firewire node.
type Device struct {
	kernel.PageAllocator

	path string
	f    *os.File
	base uint32
	gen  atomic.Uint32

	mu       sync.Mutex
	closure  uint64
	waiters  map[uint64]chan event
	stream   *kernel.StreamParams
	owned    bool
	handles  map[*Handle]struct{}
	readErr  error
	readDone chan struct{}
}

// Open opens the node at path. It fails with ErrNotIIDC when the node is
// not an IIDC camera.
func Open(path string) (*Device, error) {
	f, err := openNode(path)
	if err != nil {
		return nil, err
	}
	rom, gen, err := getInfo(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	base, err := ParseConfigROM(rom)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := &Device{
		path:     path,
		f:        f,
		base:     base,
		waiters:  make(map[uint64]chan event),
		handles:  make(map[*Handle]struct{}),
		readDone: make(chan struct{}),
	}
	d.gen.Store(gen)
	go d.readEvents()
	glog.V(1).Infof("cdev: %s: command base 0x%08x, generation %d", path, base, gen)
	return d, nil
}

func (d *Device) Name() string {
	return d.path
}

func (d *Device) CommandBase() uint32 {
	return d.base
}

// Close releases the stream resources and every handle, then closes the
// node.
func (d *Device) Close() error {
	if err := d.TeardownStream(); err != nil {
		glog.Warningf("cdev: %s: teardown on close: %v", d.path, err)
	}
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.handles))
	for h := range d.handles {
		handles = append(handles, h)
	}
	d.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
	err := d.f.Close()
	<-d.readDone
	return err
}

func (d *Device) readEvents() {
	defer close(d.readDone)
	buf := make([]byte, eventBufferSize)
	for {
		n, err := d.f.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				glog.Errorf("cdev: %s: reading events: %v", d.path, err)
			}
			d.mu.Lock()
			d.readErr = err
			for c, ch := range d.waiters {
				close(ch)
				delete(d.waiters, c)
			}
			d.mu.Unlock()
			return
		}
		ev, err := decodeEvent(buf[:n])
		if err != nil {
			glog.Warningf("cdev: %s: %v", d.path, err)
			continue
		}
		switch ev.typ {
		case FW_CDEV_EVENT_BUS_RESET:
			d.gen.Store(ev.generation)
			glog.V(1).Infof("cdev: %s: bus reset, generation %d", d.path, ev.generation)
		case FW_CDEV_EVENT_RESPONSE, FW_CDEV_EVENT_ISO_RESOURCE_ALLOCATED, FW_CDEV_EVENT_ISO_RESOURCE_DEALLOCATED:
			d.mu.Lock()
			ch, ok := d.waiters[ev.closure]
			delete(d.waiters, ev.closure)
			d.mu.Unlock()
			if ok {
				ch <- ev
			}
		default:
			glog.V(2).Infof("cdev: %s: ignoring event type %d", d.path, ev.typ)
		}
	}
}

// expect registers a waiter for the event with the returned closure.
func (d *Device) expect() (uint64, chan event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return 0, nil, d.readErr
	}
	d.closure++
	ch := make(chan event, 1)
	d.waiters[d.closure] = ch
	return d.closure, ch, nil
}

func (d *Device) forget(closure uint64) {
	d.mu.Lock()
	delete(d.waiters, closure)
	d.mu.Unlock()
}

func (d *Device) await(closure uint64, ch chan event) (event, error) {
	select {
	case ev, ok := <-ch:
		if !ok {
			return ev, fmt.Errorf("cdev: %s: event stream closed: %w", d.path, unix.EIO)
		}
		return ev, nil
	case <-time.After(transactionTimeout):
		d.forget(closure)
		return event{}, fmt.Errorf("cdev: %s: no response: %w", d.path, unix.ETIMEDOUT)
	}
}

// quadlet runs one quadlet transaction. data carries the value for writes.
func (d *Device) quadlet(tcode uint32, addr uint32, data []byte) ([]byte, error) {
	closure, ch, err := d.expect()
	if err != nil {
		return nil, err
	}
	req := &fw_cdev_send_request{
		tcode:      tcode,
		length:     4,
		offset:     CSR_REGISTER_BASE | uint64(addr),
		closure:    closure,
		generation: d.gen.Load(),
	}
	if data != nil {
		req.data = uint64(uintptr(unsafe.Pointer(&data[0])))
	}
	err = control(d.f, FW_CDEV_IOC_SEND_REQUEST, unsafe.Pointer(req))
	runtime.KeepAlive(data)
	if err != nil {
		d.forget(closure)
		return nil, err
	}
	ev, err := d.await(closure, ch)
	if err != nil {
		return nil, err
	}
	if err := rcodeError(ev.rcode); err != nil {
		return nil, err
	}
	return ev.data, nil
}

func (d *Device) ReadRegister(addr uint32) (uint32, error) {
	data, err := d.quadlet(TCODE_READ_QUADLET_REQUEST, addr, nil)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("cdev: short read response: %w", unix.EIO)
	}
	return binary.BigEndian.Uint32(data), nil
}

func (d *Device) WriteRegister(addr uint32, value uint32) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, value)
	_, err := d.quadlet(TCODE_WRITE_QUADLET_REQUEST, addr, data)
	return err
}

func (d *Device) MaxSpeed() (kernel.Speed, error) {
	rc, err := d.f.SyscallConn()
	if err != nil {
		return 0, err
	}
	var speed uintptr
	var errno syscall.Errno
	if err := rc.Control(func(fd uintptr) {
		speed, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, FW_CDEV_IOC_GET_SPEED, 0)
	}); err != nil {
		return 0, err
	}
	if errno != 0 {
		return 0, errno
	}
	return kernel.Speed(speed), nil
}

// resource runs an iso resource ioctl and waits for its event.
func (d *Device) resource(op uintptr, channels uint64, bandwidth int) (event, error) {
	closure, ch, err := d.expect()
	if err != nil {
		return event{}, err
	}
	req := &fw_cdev_allocate_iso_resource{
		closure:   closure,
		channels:  channels,
		bandwidth: uint32(bandwidth),
	}
	if err := control(d.f, op, unsafe.Pointer(req)); err != nil {
		d.forget(closure)
		return event{}, err
	}
	return d.await(closure, ch)
}

// Stream returns the active stream parameters.
func (d *Device) Stream() (kernel.StreamParams, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return kernel.StreamParams{}, false
	}
	return *d.stream, true
}

func (d *Device) SetupStream(p kernel.StreamParams) (kernel.StreamParams, error) {
	d.mu.Lock()
	busy := d.stream != nil
	d.mu.Unlock()
	if busy {
		return p, fmt.Errorf("cdev: %s: stream already set up: %w", d.path, unix.EBUSY)
	}

	owned := false
	if p.Channel < 0 {
		ev, err := d.resource(FW_CDEV_IOC_ALLOCATE_ISO_RESOURCE_ONCE, allChannels, p.Bandwidth())
		if err != nil {
			return p, err
		}
		if ev.channel < 0 || ev.bandwidth < int32(p.Bandwidth()) {
			if ev.channel >= 0 {
				d.resource(FW_CDEV_IOC_DEALLOCATE_ISO_RESOURCE_ONCE, 1<<uint(ev.channel), int(ev.bandwidth))
			} else if ev.bandwidth > 0 {
				d.resource(FW_CDEV_IOC_DEALLOCATE_ISO_RESOURCE_ONCE, 0, int(ev.bandwidth))
			}
			return p, fmt.Errorf("%w: channel %d, %d of %d bandwidth units", kernel.ErrNoResources, ev.channel, ev.bandwidth, p.Bandwidth())
		}
		p.Channel = int(ev.channel)
		owned = true
	}

	d.mu.Lock()
	d.stream = &p
	d.owned = owned
	d.mu.Unlock()
	glog.V(1).Infof("cdev: %s: stream on channel %d at %v, %d units", d.path, p.Channel, p.Speed, p.Bandwidth())
	return p, nil
}

// TeardownStream cancels the attached buffers of every handle and gives
// back the channel and bandwidth if this device allocated them.
func (d *Device) TeardownStream() error {
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.handles))
	for h := range d.handles {
		handles = append(handles, h)
	}
	stream, owned := d.stream, d.owned
	d.stream = nil
	d.owned = false
	d.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	if stream == nil || !owned {
		return nil
	}
	ev, err := d.resource(FW_CDEV_IOC_DEALLOCATE_ISO_RESOURCE_ONCE, 1<<uint(stream.Channel), stream.Bandwidth())
	if err != nil {
		return err
	}
	if ev.channel < 0 {
		return fmt.Errorf("cdev: %s: channel %d was not released", d.path, stream.Channel)
	}
	return nil
}

func (d *Device) Open(exclusive bool) (kernel.Handle, error) {
	d.mu.Lock()
	stream := d.stream
	busy := d.conflicts(exclusive)
	d.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("cdev: %s: no stream: %w", d.path, unix.EINVAL)
	}
	if busy {
		return nil, unix.EBUSY
	}
	h, err := openHandle(d, *stream)
	if err != nil {
		return nil, err
	}
	h.exclusive = exclusive
	d.mu.Lock()
	if d.conflicts(exclusive) {
		d.mu.Unlock()
		h.Close()
		return nil, unix.EBUSY
	}
	d.handles[h] = struct{}{}
	d.mu.Unlock()
	return h, nil
}

// conflicts reports whether a new handle would break an exclusive open.
// d.mu must be held.
func (d *Device) conflicts(exclusive bool) bool {
	for o := range d.handles {
		if exclusive || o.exclusive {
			return true
		}
	}
	return false
}

func (d *Device) release(h *Handle) {
	d.mu.Lock()
	delete(d.handles, h)
	d.mu.Unlock()
}

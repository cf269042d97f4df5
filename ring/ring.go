// Package ring holds the acquisition buffers of a camera session and the
// bookkeeping of which of them the kernel owns.
//
// Buffers live in an arena and are linked by index. Three indices describe
// the state of the ring:
//
//   - last is the head of the pending chain: the oldest buffer attached to
//     the kernel and not yet seen complete. It is always checked next.
//   - first is the tail of the pending chain: the most recently attached
//     buffer.
//   - current holds the last frame handed to the caller. It is never on the
//     pending chain and never attached.
//
// The chain is not circular; buffers come back to the tail one at a time in
// RotateIn. None is -1.
package ring

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
)

// None marks an empty index.
const None = -1

// Buffer is one acquisition slot.
type Buffer struct {
	Index int
	// Data is the whole page-aligned allocation, at least Size bytes.
	Data []byte
	// Size is the capacity handed to the kernel on attach.
	Size int
	Req  *kernel.Request
	next int
}

// Frame returns the usable part of Data.
func (b *Buffer) Frame() []byte {
	return b.Data[:b.Size]
}

// AttachFunc submits a buffer to the kernel receive queue.
type AttachFunc func(b *Buffer) error

// WaitFunc waits for the kernel to give a buffer back during Drain.
type WaitFunc func(b *Buffer) error

type Ring struct {
	bufs    []Buffer
	first   int
	last    int
	current int
}

func New() *Ring {
	return &Ring{first: None, last: None, current: None}
}

// Len returns the number of buffers in the arena.
func (r *Ring) Len() int {
	return len(r.bufs)
}

// Create allocates count buffers of capacity bytes and links each at the tail
// of the pending chain as soon as it exists, so attach order is allocation
// order. If an allocation fails, the buffers created so far stay linked and
// Drain releases them.
func (r *Ring) Create(alloc kernel.Allocator, count, capacity int) error {
	if len(r.bufs) != 0 {
		return dcerr.New(dcerr.Busy, "create buffers", errors.New("ring is not empty"))
	}
	if count < 1 {
		return dcerr.New(dcerr.ParamOutOfRange, "create buffers", fmt.Errorf("buffer count %d", count))
	}
	if capacity < 1 {
		return dcerr.New(dcerr.InvalidVideoSettings, "create buffers", fmt.Errorf("frame size %d", capacity))
	}
	r.bufs = make([]Buffer, 0, count)
	for i := 0; i < count; i++ {
		data, err := alloc.AllocFrame(capacity)
		if err != nil {
			glog.Errorf("StartImageAcquisition: error allocating frame buffer %d: %v", i, err)
			return dcerr.New(dcerr.OutOfMemory, "create buffers", err)
		}
		req, err := alloc.NewRequest()
		if err != nil {
			glog.Errorf("StartImageAcquisition: error creating completion event for buffer %d: %v", i, err)
			if ferr := alloc.FreeFrame(data); ferr != nil {
				glog.Errorf("StartImageAcquisition: error freeing frame buffer %d: %v", i, ferr)
			}
			return dcerr.IO("create buffers", err)
		}
		r.bufs = append(r.bufs, Buffer{Index: i, Data: data, Size: capacity, Req: req, next: None})
		r.pushTail(i)
		glog.V(2).Infof("StartImageAcquisition: added buffer %d", i)
	}
	return nil
}

func (r *Ring) pushTail(i int) {
	r.bufs[i].next = None
	if r.first == None {
		r.last = i
	} else {
		r.bufs[r.first].next = i
	}
	r.first = i
}

// AttachAll attaches the pending chain head to tail and stops at the first
// failure. Buffers not reached stay on the chain.
func (r *Ring) AttachAll(attach AttachFunc) error {
	for i := r.last; i != None; i = r.bufs[i].next {
		glog.V(2).Infof("StartImageAcquisition: attaching buffer %d", i)
		if err := attach(&r.bufs[i]); err != nil {
			glog.Errorf("StartImageAcquisition: error attaching buffer %d: %v", i, err)
			return err
		}
	}
	return nil
}

// RotateIn re-attaches the current buffer and appends it to the tail of the
// pending chain. It must run before the head is inspected: the buffer the
// caller just gave up is the one that has to go back into circulation. If
// the attach fails, current is left in place.
func (r *Ring) RotateIn(attach AttachFunc) error {
	if r.current == None {
		return nil
	}
	c := r.current
	glog.V(2).Infof("AcquireImage: reattaching buffer %d", c)
	if err := attach(&r.bufs[c]); err != nil {
		glog.Errorf("AcquireImage: error reattaching buffer %d: %v", c, err)
		return err
	}
	r.pushTail(c)
	r.current = None
	return nil
}

// PromoteHead makes the head of the pending chain the current buffer. The
// caller must have seen the head complete.
func (r *Ring) PromoteHead() *Buffer {
	if r.last == None {
		return nil
	}
	h := r.last
	r.last = r.bufs[h].next
	if r.last == None {
		r.first = None
	}
	r.bufs[h].next = None
	r.current = h
	return &r.bufs[h]
}

// Head returns the oldest pending buffer, or nil when the chain is empty.
func (r *Ring) Head() *Buffer {
	if r.last == None {
		return nil
	}
	return &r.bufs[r.last]
}

// Current returns the buffer holding the last acquired frame, or nil.
func (r *Ring) Current() *Buffer {
	if r.current == None {
		return nil
	}
	return &r.bufs[r.current]
}

// Pending returns the indices of the pending chain, head first.
func (r *Ring) Pending() []int {
	var out []int
	for i := r.last; i != None && len(out) <= len(r.bufs); i = r.bufs[i].next {
		out = append(out, i)
	}
	return out
}

// Drain tears the ring down. The current buffer is pushed back onto the head
// of the chain so every buffer goes through the same path; all buffers but
// that one are waited for first. Failures are logged and the sweep goes on.
// Afterwards the ring is empty.
func (r *Ring) Drain(wait WaitFunc, alloc kernel.Allocator) {
	cur := r.current
	if cur != None {
		r.bufs[cur].next = r.last
		r.last = cur
		if r.first == None {
			r.first = cur
		}
	}
	for r.last != None {
		i := r.last
		b := &r.bufs[i]
		glog.V(2).Infof("StopImageAcquisition: removing buffer %d", i)
		if i != cur && wait != nil {
			glog.V(1).Infof("StopImageAcquisition: checking on buffer %d", i)
			if err := wait(b); err != nil {
				glog.Errorf("StopImageAcquisition: error waiting on buffer %d: %v", i, err)
			}
		}
		if b.Req != nil {
			if err := alloc.FreeRequest(b.Req); err != nil {
				glog.Errorf("StopImageAcquisition: error closing event for buffer %d: %v", i, err)
			}
			b.Req = nil
		}
		if b.Data != nil {
			if err := alloc.FreeFrame(b.Data); err != nil {
				glog.Errorf("StopImageAcquisition: error freeing buffer %d: %v", i, err)
			}
			b.Data = nil
		}
		r.last = b.next
		b.next = None
	}
	r.bufs = nil
	r.first, r.last, r.current = None, None, None
}

// Check verifies the ring invariants: the pending chain runs from last to
// first without cycles, current is not on it, and no buffer is both.
func (r *Ring) Check() error {
	n := len(r.bufs)
	valid := func(i int) bool { return i == None || (i >= 0 && i < n) }
	if !valid(r.first) || !valid(r.last) || !valid(r.current) {
		return fmt.Errorf("ring: index out of range: first=%d last=%d current=%d len=%d", r.first, r.last, r.current, n)
	}
	if (r.first == None) != (r.last == None) {
		return fmt.Errorf("ring: half-empty chain: first=%d last=%d", r.first, r.last)
	}
	seen := make([]bool, n)
	tail := None
	for i := r.last; i != None; i = r.bufs[i].next {
		if !valid(r.bufs[i].next) {
			return fmt.Errorf("ring: buffer %d links to %d", i, r.bufs[i].next)
		}
		if seen[i] {
			return fmt.Errorf("ring: cycle at buffer %d", i)
		}
		if i == r.current {
			return fmt.Errorf("ring: current buffer %d is pending", i)
		}
		seen[i] = true
		tail = i
	}
	if tail != r.first {
		return fmt.Errorf("ring: chain ends at %d, first is %d", tail, r.first)
	}
	if r.current != None && r.bufs[r.current].Req != nil && r.bufs[r.current].Req.Pending() {
		return fmt.Errorf("ring: current buffer %d is still attached", r.current)
	}
	return nil
}

// MustCheck panics on an invariant violation in debug builds.
func (r *Ring) MustCheck() {
	if !checkInvariants {
		return
	}
	if err := r.Check(); err != nil {
		panic(err)
	}
}

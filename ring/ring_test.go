package ring

import (
	"errors"
	"testing"
	"testing/quick"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
)

// heapAlloc is an Allocator backed by the Go heap that counts what is live.
type heapAlloc struct {
	frames, reqs int
	failFrameAt  int
	failReqAt    int
	frameCalls   int
	reqCalls     int
}

func (a *heapAlloc) AllocFrame(size int) ([]byte, error) {
	a.frameCalls++
	if a.frameCalls == a.failFrameAt {
		return nil, errors.New("no memory")
	}
	a.frames++
	return make([]byte, size), nil
}

func (a *heapAlloc) FreeFrame(buf []byte) error {
	a.frames--
	return nil
}

func (a *heapAlloc) NewRequest() (*kernel.Request, error) {
	a.reqCalls++
	if a.reqCalls == a.failReqAt {
		return nil, errors.New("no events")
	}
	req, err := kernel.NewRequest()
	if err == nil {
		a.reqs++
	}
	return req, err
}

func (a *heapAlloc) FreeRequest(req *kernel.Request) error {
	a.reqs--
	return req.Close()
}

// kernelQueue stands in for the kernel: attach queues a buffer, deliver
// completes the oldest one.
type kernelQueue struct {
	queue    []int
	attached []int
}

func (k *kernelQueue) attach(b *Buffer) error {
	if err := b.Req.Begin(); err != nil {
		return err
	}
	k.queue = append(k.queue, b.Index)
	k.attached = append(k.attached, b.Index)
	return nil
}

func newTestRing(t *testing.T, a *heapAlloc, n int) (*Ring, *kernelQueue) {
	t.Helper()
	r := New()
	if err := r.Create(a, n, 64); err != nil {
		t.Fatal(err)
	}
	k := &kernelQueue{}
	if err := r.AttachAll(k.attach); err != nil {
		t.Fatal(err)
	}
	return r, k
}

func completeHead(r *Ring) bool {
	h := r.Head()
	if h == nil {
		return false
	}
	h.Req.Complete(h.Size, nil)
	return true
}

func TestCreateOrder(t *testing.T) {
	a := &heapAlloc{}
	r, k := newTestRing(t, a, 4)
	defer r.Drain(nil, a)

	if got := r.Pending(); len(got) != 4 || got[0] != 0 || got[3] != 3 {
		t.Fatalf("pending = %v", got)
	}
	if len(k.attached) != 4 || k.attached[0] != 0 {
		t.Fatalf("attach order = %v", k.attached)
	}
	if r.Current() != nil {
		t.Fatal("current set after create")
	}
	if err := r.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name  string
		alloc *heapAlloc
		count int
		code  dcerr.Code
		left  int
	}{
		{"zero buffers", &heapAlloc{}, 0, dcerr.ParamOutOfRange, 0},
		{"frame fails", &heapAlloc{failFrameAt: 3}, 5, dcerr.OutOfMemory, 2},
		{"event fails", &heapAlloc{failReqAt: 2}, 5, dcerr.DeviceIoError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Create(tt.alloc, tt.count, 128)
			if dcerr.CodeOf(err) != tt.code {
				t.Fatalf("code = %v, want %v", dcerr.CodeOf(err), tt.code)
			}
			if r.Len() != tt.left || len(r.Pending()) != tt.left {
				t.Fatalf("partial ring has %d buffers, %d pending; want %d", r.Len(), len(r.Pending()), tt.left)
			}
			if err := r.Check(); err != nil {
				t.Fatal(err)
			}
			r.Drain(nil, tt.alloc)
			if tt.alloc.frames != 0 || tt.alloc.reqs != 0 {
				t.Fatalf("leaked %d frames, %d requests", tt.alloc.frames, tt.alloc.reqs)
			}
		})
	}
}

func TestAttachAllStopsAtFailure(t *testing.T) {
	a := &heapAlloc{}
	r := New()
	if err := r.Create(a, 4, 64); err != nil {
		t.Fatal(err)
	}
	calls := 0
	boom := errors.New("attach failed")
	err := r.AttachAll(func(b *Buffer) error {
		calls++
		if b.Index == 2 {
			return boom
		}
		return b.Req.Begin()
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
	if len(r.Pending()) != 4 {
		t.Fatal("unattached buffers left the chain")
	}
	waited := 0
	r.Drain(func(b *Buffer) error {
		waited++
		_, err := b.Req.Result(false)
		return err
	}, a)
	if waited != 4 || a.frames != 0 || a.reqs != 0 {
		t.Fatalf("waited %d, leaked %d/%d", waited, a.frames, a.reqs)
	}
}

func TestSingleBuffer(t *testing.T) {
	a := &heapAlloc{}
	r, k := newTestRing(t, a, 1)

	completeHead(r)
	if r.PromoteHead().Index != 0 {
		t.Fatal("promoted wrong buffer")
	}
	// Nothing is attached while the only buffer is current.
	if r.Head() != nil {
		t.Fatal("head visible with the single buffer current")
	}
	if err := r.RotateIn(k.attach); err != nil {
		t.Fatal(err)
	}
	if r.Head() == nil || r.Head().Index != 0 || r.Current() != nil {
		t.Fatal("single buffer not back on the chain")
	}
	if err := r.Check(); err != nil {
		t.Fatal(err)
	}
	r.Drain(func(b *Buffer) error { b.Req.Complete(0, kernel.ErrCancelled); return nil }, a)
	if a.frames != 0 || a.reqs != 0 || r.Len() != 0 {
		t.Fatal("drain left buffers behind")
	}
}

func TestDrainSkipsCurrent(t *testing.T) {
	a := &heapAlloc{}
	r, k := newTestRing(t, a, 3)
	completeHead(r)
	r.PromoteHead()
	_ = k

	var waited []int
	r.Drain(func(b *Buffer) error {
		waited = append(waited, b.Index)
		return nil
	}, a)
	if len(waited) != 2 || waited[0] != 1 || waited[1] != 2 {
		t.Fatalf("waited on %v, want [1 2]", waited)
	}
	if r.Head() != nil || r.Current() != nil || a.frames != 0 || a.reqs != 0 {
		t.Fatal("ring not empty after drain")
	}
}

func TestRotateInFailureKeepsCurrent(t *testing.T) {
	a := &heapAlloc{}
	r, _ := newTestRing(t, a, 2)
	defer r.Drain(nil, a)
	completeHead(r)
	r.PromoteHead()

	if err := r.RotateIn(func(*Buffer) error { return errors.New("nope") }); err == nil {
		t.Fatal("expected error")
	}
	if r.Current() == nil || r.Current().Index != 0 {
		t.Fatal("current lost on failed reattach")
	}
	if err := r.Check(); err != nil {
		t.Fatal(err)
	}
}

// Random interleavings of rotate and promote keep the invariants, and frames
// come out in the order their buffers were attached.
func TestRingProperties(t *testing.T) {
	prop := func(size uint8, ops []byte) bool {
		n := int(size%8) + 1
		a := &heapAlloc{}
		r := New()
		if err := r.Create(a, n, 16); err != nil {
			return false
		}
		k := &kernelQueue{}
		if err := r.AttachAll(k.attach); err != nil {
			return false
		}
		defer r.Drain(nil, a)

		for _, op := range ops {
			switch {
			case op%2 == 0 || r.Current() != nil:
				if err := r.RotateIn(k.attach); err != nil {
					return false
				}
			default:
				if !completeHead(r) {
					continue
				}
				b := r.PromoteHead()
				if len(k.queue) == 0 || k.queue[0] != b.Index {
					t.Logf("promoted %d, kernel queue %v", b.Index, k.queue)
					return false
				}
				k.queue = k.queue[1:]
			}
			if err := r.Check(); err != nil {
				t.Log(err)
				return false
			}
			if c := r.Current(); c != nil {
				for _, i := range r.Pending() {
					if i == c.Index {
						return false
					}
				}
			}
			if len(r.Pending()) != len(k.queue) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

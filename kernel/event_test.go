package kernel

import (
	"errors"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestEventManualReset(t *testing.T) {
	ev, err := NewEvent()
	if err != nil {
		t.Fatal(err)
	}
	defer ev.Close()

	if res, err := ev.Wait(0); err != nil || res != TimedOut {
		t.Fatalf("fresh event: got %v, %v", res, err)
	}
	if err := ev.Signal(); err != nil {
		t.Fatal(err)
	}
	// Stays signaled for every waiter until reset.
	for i := 0; i < 2; i++ {
		if res, err := ev.Wait(time.Second); err != nil || res != Signaled {
			t.Fatalf("wait %d: got %v, %v", i, res, err)
		}
	}
	if err := ev.Reset(); err != nil {
		t.Fatal(err)
	}
	if res, _ := ev.Wait(10 * time.Millisecond); res != TimedOut {
		t.Fatalf("after reset: got %v", res)
	}
}

func TestWaitAny(t *testing.T) {
	a, _ := NewEvent()
	b, _ := NewEvent()
	defer a.Close()
	defer b.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Signal()
	}()
	i, res, err := WaitAny([]*Event{nil, a, b}, time.Second)
	if err != nil || res != Signaled || i != 2 {
		t.Fatalf("got %d, %v, %v", i, res, err)
	}

	if _, _, err := WaitAny([]*Event{nil}, 0); err == nil {
		t.Fatal("expected error with no valid events")
	}
}

func TestRequestLifecycle(t *testing.T) {
	req, err := NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	defer req.Close()

	if _, err := req.Result(false); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("idle result: %v", err)
	}
	if err := req.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := req.Begin(); err == nil {
		t.Fatal("double begin should fail")
	}
	if _, err := req.Result(false); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("pending result: %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		req.Complete(42, nil)
	}()
	n, err := req.Result(true)
	if err != nil || n != 42 {
		t.Fatalf("blocking result: %d, %v", n, err)
	}

	// Re-arming clears the previous completion.
	if err := req.Begin(); err != nil {
		t.Fatal(err)
	}
	if res, _ := req.Event().Wait(0); res != TimedOut {
		t.Fatal("event not reset by Begin")
	}
	req.Complete(0, ErrCancelled)
	if _, err := req.Result(false); !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancelled result: %v", err)
	}
}

func TestCloseAfterComplete(t *testing.T) {
	for i := 0; i < 200; i++ {
		req, err := NewRequest()
		if err != nil {
			t.Fatal(err)
		}
		if err := req.Begin(); err != nil {
			t.Fatal(err)
		}
		go req.Complete(1, nil)
		for req.Pending() {
		}
		// The completing goroutine may still be returning.
		if err := req.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestClosedEvent(t *testing.T) {
	ev, err := NewEvent()
	if err != nil {
		t.Fatal(err)
	}
	if err := ev.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ev.Signal(); !errors.Is(err, ErrClosed) {
		t.Fatalf("signal after close: %v", err)
	}
	if err := ev.Reset(); !errors.Is(err, ErrClosed) {
		t.Fatalf("reset after close: %v", err)
	}
	if err := ev.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := WaitAny([]*Event{ev}, 0); err == nil {
		t.Fatal("closed event waited on")
	}
}

func TestPageAllocatorAlignment(t *testing.T) {
	var a PageAllocator
	buf, err := a.AllocFrame(1000)
	if err != nil {
		t.Fatal(err)
	}
	defer a.FreeFrame(buf)
	if len(buf) < 1000 {
		t.Fatalf("short buffer: %d", len(buf))
	}
	page := uintptr(unix.Getpagesize())
	if addr := uintptr(unsafe.Pointer(&buf[0])); addr%page != 0 {
		t.Fatalf("buffer at %#x not page aligned", addr)
	}
}

func TestBandwidth(t *testing.T) {
	tests := []struct {
		p    StreamParams
		want int
	}{
		{StreamParams{Speed: S400, MaxBytesPerPacket: 640}, (160 + 3) * 4},
		{StreamParams{Speed: S100, MaxBytesPerPacket: 640}, (160 + 3) * 16},
		{StreamParams{Speed: S1600, MaxBytesPerPacket: 640}, 163},
		{StreamParams{Speed: S400, MaxBytesPerPacket: 640, DualPacket: true}, (160 + 3) * 8},
	}
	for _, tt := range tests {
		if got := tt.p.Bandwidth(); got != tt.want {
			t.Errorf("%+v: got %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestSpeedFlag(t *testing.T) {
	for s := S100; s <= S3200; s++ {
		if got := SpeedFromFlag(s.Flag()); got != s {
			t.Errorf("%v: round trip gave %v", s, got)
		}
	}
	if S400.Mbps() != 400 {
		t.Errorf("S400 = %d Mb/s", S400.Mbps())
	}
}

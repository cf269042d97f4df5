package sim

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/adamlouis/dc1394/kernel"
)

func TestBusResources(t *testing.T) {
	bus := NewBus()
	a, b := bus.NewCamera("a"), bus.NewCamera("b")
	p := kernel.StreamParams{Speed: kernel.S400, Channel: -1, MaxBytesPerPacket: 1280}

	pa, err := a.SetupStream(p)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := b.SetupStream(p)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Channel == pb.Channel {
		t.Fatalf("both cameras on channel %d", pa.Channel)
	}
	if bus.Channels() != 2 || bus.Bandwidth() != busBandwidth-2*p.Bandwidth() {
		t.Fatalf("bus: %d channels, %d units", bus.Channels(), bus.Bandwidth())
	}
	if _, err := a.SetupStream(p); !errors.Is(err, unix.EBUSY) {
		t.Fatalf("second setup: %v", err)
	}

	big := kernel.StreamParams{Speed: kernel.S100, Channel: -1, MaxBytesPerPacket: 4096}
	c := bus.NewCamera("c")
	if _, err := c.SetupStream(big); !errors.Is(err, kernel.ErrNoResources) {
		t.Fatalf("oversized stream: %v", err)
	}

	a.TeardownStream()
	b.TeardownStream()
	if bus.Channels() != 0 || bus.Bandwidth() != busBandwidth {
		t.Fatalf("leaked: %d channels, %d units", bus.Channels(), bus.Bandwidth())
	}
}

func TestDeliver(t *testing.T) {
	c := NewCamera("cam0")
	if _, err := c.SetupStream(kernel.StreamParams{Speed: kernel.S400, Channel: -1, MaxBufferSize: 64, MaxBytesPerPacket: 64}); err != nil {
		t.Fatal(err)
	}
	h, err := c.Open(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Open(true); !errors.Is(err, unix.EBUSY) {
		t.Fatalf("second exclusive open: %v", err)
	}
	if _, err := c.Open(false); !errors.Is(err, unix.EBUSY) {
		t.Fatalf("shared open beside an exclusive one: %v", err)
	}
	req, err := c.NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	buf, err := c.AllocFrame(64)
	if err != nil {
		t.Fatal(err)
	}
	if st, err := h.Attach(buf, req); err != nil || st != kernel.StatusPending {
		t.Fatalf("attach = %v, %v", st, err)
	}
	if err := h.Listen(); err != nil {
		t.Fatal(err)
	}
	// Not transmitting yet.
	if c.Deliver(1) != 0 {
		t.Fatal("delivered with ISO_EN clear")
	}
	c.SetRegister(0x614, 0x80000000)
	if c.Deliver(5) != 1 {
		t.Fatal("expected one delivery")
	}
	n, err := h.Result(req, false)
	if err != nil || n != 64 {
		t.Fatalf("result = %d, %v", n, err)
	}
	if seq, _ := FrameSeq(buf); seq != 0 {
		t.Fatalf("seq = %d", seq)
	}

	if _, err := h.Attach(buf, req); err != nil {
		t.Fatal(err)
	}
	h.Close()
	if _, err := h.Result(req, false); !errors.Is(err, kernel.ErrCancelled) {
		t.Fatalf("result after close: %v", err)
	}
	c.FreeFrame(buf)
	c.FreeRequest(req)
	if c.LiveFrames() != 0 || c.LiveRequests() != 0 || c.OpenHandles() != 0 {
		t.Fatal("leaked allocations")
	}
}

func TestRegisterFaults(t *testing.T) {
	c := NewCamera("cam0")
	c.SetFaults(Faults{Busy: 1, Write: map[uint32]error{commandBase + 0x614: unix.EIO}})
	if _, err := c.ReadRegister(commandBase + 0x604); !errors.Is(err, kernel.ErrBusy) {
		t.Fatalf("busy read: %v", err)
	}
	if v, err := c.ReadRegister(commandBase + 0x604); err != nil || v != 5<<29 {
		t.Fatalf("mode = %#x, %v", v, err)
	}
	if err := c.WriteRegister(commandBase+0x614, 0x80000000); !errors.Is(err, unix.EIO) {
		t.Fatalf("faulted write: %v", err)
	}
	if _, err := c.ReadRegister(0xF0000000); !errors.Is(err, unix.EIO) {
		t.Fatalf("unmapped read: %v", err)
	}
	// A reset restores the defaults.
	c.SetRegister(0x604, 3<<29)
	if err := c.WriteRegister(commandBase, 0x80000000); err != nil {
		t.Fatal(err)
	}
	if c.Register(0x604) != 5<<29 {
		t.Fatal("reset did not restore the mode")
	}
}

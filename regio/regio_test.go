package regio

import (
	"errors"
	"testing"
	"time"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
)

type fakeTransport struct {
	regs     map[uint32]uint32
	busy     int // remaining busy answers
	fail     error
	attempts int
}

func (f *fakeTransport) ReadRegister(addr uint32) (uint32, error) {
	f.attempts++
	if f.busy > 0 {
		f.busy--
		return 0, kernel.ErrBusy
	}
	if f.fail != nil {
		return 0, f.fail
	}
	return f.regs[addr], nil
}

func (f *fakeTransport) WriteRegister(addr uint32, value uint32) error {
	f.attempts++
	if f.busy > 0 {
		f.busy--
		return kernel.ErrBusy
	}
	if f.fail != nil {
		return f.fail
	}
	f.regs[addr] = value
	return nil
}

func fastRetry() RetryConfig {
	return RetryConfig{Retries: 4, Backoff: time.Microsecond}
}

func TestResolve(t *testing.T) {
	b := New(&fakeTransport{}, 0, fastRetry())
	tests := []struct {
		addr, want uint32
	}{
		{0x344, 0xF0F00344},
		{0x000, 0xF0F00000},
		{0xF0000344, 0xF0000344},
		{0xF1234560, 0xF1234560},
	}
	for _, tt := range tests {
		if got := b.Resolve(tt.addr); got != tt.want {
			t.Errorf("Resolve(%#x) = %#x, want %#x", tt.addr, got, tt.want)
		}
	}

	custom := New(&fakeTransport{}, 0xF0E00000, fastRetry())
	if got := custom.Resolve(0x614); got != 0xF0E00614 {
		t.Errorf("custom base: got %#x", got)
	}
}

func TestRetryOnBusy(t *testing.T) {
	tests := []struct {
		name     string
		busy     int
		wantErr  bool
		attempts int
	}{
		{"no busy", 0, false, 1},
		{"busy twice", 2, false, 3},
		{"busy until last retry", 4, false, 5},
		{"busy beyond retries", 5, true, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{regs: map[uint32]uint32{0xF0F00400: 0x80000000}, busy: tt.busy}
			b := New(ft, 0, fastRetry())
			v, err := b.ReadQuadlet(0x400)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v != 0x80000000 {
				t.Errorf("value = %#x", v)
			}
			if ft.attempts != tt.attempts {
				t.Errorf("attempts = %d, want %d", ft.attempts, tt.attempts)
			}
		})
	}
}

func TestNoRetryOnOtherErrors(t *testing.T) {
	ft := &fakeTransport{regs: map[uint32]uint32{}, fail: errors.New("link down")}
	b := New(ft, 0, fastRetry())
	err := b.WriteQuadlet(0x614, 0x80000000)
	if dcerr.CodeOf(err) != dcerr.DeviceIoError {
		t.Fatalf("code = %v", dcerr.CodeOf(err))
	}
	if ft.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", ft.attempts)
	}
}

func TestNotInitialized(t *testing.T) {
	b := New(nil, 0, fastRetry())
	if _, err := b.ReadQuadlet(0x400); !errors.Is(err, dcerr.ErrNotInitialized) {
		t.Fatalf("read: %v", err)
	}
	var nilBus *Bus
	if err := nilBus.WriteQuadlet(0x400, 1); !errors.Is(err, dcerr.ErrNotInitialized) {
		t.Fatalf("write: %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	ft := &fakeTransport{regs: map[uint32]uint32{}}
	b := New(ft, 0, DefaultRetryConfig())
	if err := b.WriteQuadlet(0x60C, 0x12345678); err != nil {
		t.Fatal(err)
	}
	if ft.regs[0xF0F0060C] != 0x12345678 {
		t.Fatalf("register not written at resolved address: %v", ft.regs)
	}
	v, err := b.ReadQuadlet(0xF0F0060C)
	if err != nil || v != 0x12345678 {
		t.Fatalf("read back %#x, %v", v, err)
	}
}

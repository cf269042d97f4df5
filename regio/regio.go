// Package regio reads and writes quadlets in a camera's configuration space,
// retrying transactions the camera was too busy to serve.
package regio

import (
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/adamlouis/dc1394/dcerr"
	"github.com/adamlouis/dc1394/kernel"
)

// DefaultCommandBase is where IIDC cameras usually place their command
// registers when the config ROM does not say otherwise.
const DefaultCommandBase uint32 = 0xF0F00000

// absoluteMask marks addresses that bypass the command base.
const absoluteMask uint32 = 0xF0000000

// RetryConfig bounds the retries on kernel.ErrBusy.
type RetryConfig struct {
	Retries int           // additional attempts after the first (default: 4)
	Backoff time.Duration // fixed delay between attempts (default: 10ms)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Retries: 4,
		Backoff: 10 * time.Millisecond,
	}
}

// Bus is the quadlet view of one camera.
type Bus struct {
	t     kernel.Transport
	base  uint32
	retry RetryConfig
}

// New binds a register bus to t. A zero base selects DefaultCommandBase.
func New(t kernel.Transport, base uint32, retry RetryConfig) *Bus {
	if base == 0 {
		base = DefaultCommandBase
	}
	return &Bus{t: t, base: base, retry: retry}
}

// Base returns the command register base.
func (b *Bus) Base() uint32 {
	return b.base
}

// Resolve translates addr into the absolute CSR address. Addresses with a
// leading 0xF nibble are already absolute; everything else is an offset
// from the command base, so 0x344 usually resolves to 0xF0F00344.
func (b *Bus) Resolve(addr uint32) uint32 {
	if addr&absoluteMask == absoluteMask {
		return addr
	}
	return b.base + addr
}

func (b *Bus) ReadQuadlet(addr uint32) (uint32, error) {
	if b == nil || b.t == nil {
		glog.Errorf("ReadQuadlet: no camera has been selected")
		return 0, dcerr.New(dcerr.NotInitialized, "read quadlet", nil)
	}
	abs := b.Resolve(addr)
	var value uint32
	err := b.do("ReadQuadlet", abs, func() error {
		var err error
		value, err = b.t.ReadRegister(abs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (b *Bus) WriteQuadlet(addr uint32, value uint32) error {
	if b == nil || b.t == nil {
		glog.Errorf("WriteQuadlet: no camera has been selected")
		return dcerr.New(dcerr.NotInitialized, "write quadlet", nil)
	}
	abs := b.Resolve(addr)
	return b.do("WriteQuadlet", abs, func() error {
		return b.t.WriteRegister(abs, value)
	})
}

// do runs op, retrying only while the camera reports busy.
func (b *Bus) do(name string, abs uint32, op func() error) error {
	retries := b.retry.Retries
	err := op()
	for err != nil && retries > 0 {
		if !errors.Is(err, kernel.ErrBusy) {
			break
		}
		time.Sleep(b.retry.Backoff)
		retries--
		glog.Warningf("%s: timeout on register 0x%08x, retries remaining: %d", name, abs, retries)
		err = op()
	}
	if err != nil {
		glog.Errorf("%s: unrecoverable error on register 0x%08x: %v", name, abs, err)
		return dcerr.IO(name, err)
	}
	return nil
}

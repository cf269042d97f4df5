package kernel

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// WaitResult is the outcome of waiting on an Event.
type WaitResult int

const (
	Signaled WaitResult = iota
	TimedOut
)

func (r WaitResult) String() string {
	if r == TimedOut {
		return "timed out"
	}
	return "signaled"
}

// Event is a manual-reset completion event backed by an eventfd. It stays
// signaled until Reset, so any number of waiters observe it. The descriptor
// can be handed to poll(2) together with other events, see WaitAny.
// Signal, Reset and Close may race; after Close the others fail with
// ErrClosed.
type Event struct {
	mu sync.RWMutex
	fd int
}

// NewEvent creates an unsignaled event.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Event{fd: fd}, nil
}

// Fd returns the pollable descriptor.
func (e *Event) Fd() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fd
}

func (e *Event) Signal() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fd < 0 {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	if err == unix.EAGAIN {
		// Counter saturated, it is signaled anyway.
		return nil
	}
	return err
}

// Reset returns the event to the unsignaled state.
func (e *Event) Reset() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.fd < 0 {
		return ErrClosed
	}
	var b [8]byte
	_, err := unix.Read(e.fd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Wait blocks until the event is signaled or the timeout elapses. A
// negative timeout waits forever.
func (e *Event) Wait(timeout time.Duration) (WaitResult, error) {
	_, res, err := WaitAny([]*Event{e}, timeout)
	return res, err
}

func (e *Event) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// WaitAny waits until one of events is signaled and returns its index. Nil
// entries are invalid handles and are ignored. On timeout it returns -1 and
// TimedOut. A negative timeout waits forever.
func WaitAny(events []*Event, timeout time.Duration) (int, WaitResult, error) {
	fds := make([]unix.PollFd, 0, len(events))
	idx := make([]int, 0, len(events))
	for i, ev := range events {
		if ev == nil {
			continue
		}
		fd := ev.Fd()
		if fd < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		idx = append(idx, i)
	}
	if len(fds) == 0 {
		return -1, TimedOut, errors.New("kernel: no valid events to wait on")
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		ms := -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, TimedOut, err
		}
		if n == 0 {
			return -1, TimedOut, nil
		}
		for i, fd := range fds {
			if fd.Revents&unix.POLLIN != 0 {
				return idx[i], Signaled, nil
			}
			if fd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return idx[i], TimedOut, unix.EBADF
			}
		}
	}
}

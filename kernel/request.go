package kernel

import (
	"errors"
	"sync"
)

type requestState int

const (
	requestIdle requestState = iota
	requestPending
	requestDone
)

// Request is the overlapped record of one attached buffer. The kernel side
// calls Begin when it takes the buffer and Complete when it hands it back;
// the consumer checks Result. Complete may run on any goroutine.
type Request struct {
	ev *Event

	mu    sync.Mutex
	state requestState
	n     int
	err   error
}

// NewRequest creates a request with a fresh completion event.
func NewRequest() (*Request, error) {
	ev, err := NewEvent()
	if err != nil {
		return nil, err
	}
	return &Request{ev: ev}, nil
}

// Event returns the completion event, signaled by Complete.
func (r *Request) Event() *Event {
	return r.ev
}

// Begin marks the request as owned by the kernel and resets its event.
func (r *Request) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == requestPending {
		return errors.New("kernel: request already pending")
	}
	if err := r.ev.Reset(); err != nil {
		return err
	}
	r.state = requestPending
	r.n = 0
	r.err = nil
	return nil
}

// Complete hands the buffer back with n bytes written, or with err.
// Completing a request that is not pending is a no-op. The event is
// signaled before Complete returns, so once Pending reports false the
// request may be closed.
func (r *Request) Complete(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != requestPending {
		return
	}
	r.state = requestDone
	r.n = n
	r.err = err
	if serr := r.ev.Signal(); serr != nil && r.err == nil {
		r.err = serr
	}
}

// Pending reports whether the kernel still owns the buffer.
func (r *Request) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == requestPending
}

// Attached reports whether the request was ever submitted.
func (r *Request) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != requestIdle
}

// Result returns the byte count of a completed request. Without block it
// returns ErrIncomplete while the request is pending; with block it waits
// for completion without a timeout.
func (r *Request) Result(block bool) (int, error) {
	for {
		r.mu.Lock()
		state, n, err := r.state, r.n, r.err
		r.mu.Unlock()

		switch state {
		case requestIdle:
			return 0, ErrNotAttached
		case requestDone:
			return n, err
		}
		if !block {
			return 0, ErrIncomplete
		}
		if _, werr := r.ev.Wait(-1); werr != nil {
			return 0, werr
		}
	}
}

// Close releases the completion event.
func (r *Request) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ev.Close()
}

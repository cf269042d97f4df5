// Package dcerr defines the result codes returned by the camera session and
// the acquisition engine.
//
// Expected operating conditions (timeouts, a busy device, bad parameters) are
// reported as *Error values carrying a Code. Callers test them with errors.Is
// against the Err* sentinels, or extract the code with CodeOf.
package dcerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type Code int

const (
	Success Code = iota
	NotInitialized
	Busy
	ParamOutOfRange
	InvalidVideoSettings
	InsufficientResources
	OutOfMemory
	FrameTimeout
	Unsupported
	DeviceIoError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NotInitialized:
		return "not initialized"
	case Busy:
		return "busy"
	case ParamOutOfRange:
		return "parameter out of range"
	case InvalidVideoSettings:
		return "invalid video settings"
	case InsufficientResources:
		return "insufficient resources"
	case OutOfMemory:
		return "out of memory"
	case FrameTimeout:
		return "frame timeout"
	case Unsupported:
		return "unsupported"
	case DeviceIoError:
		return "device i/o error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a coded failure of operation Op. Err, when set, is the lower
// level cause (for DeviceIoError usually a unix.Errno).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. This lets
// errors.Is(err, dcerr.ErrBusy) match regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Raw returns the platform error number behind a DeviceIoError, or zero.
func (e *Error) Raw() unix.Errno {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

var (
	ErrNotInitialized        = &Error{Code: NotInitialized}
	ErrBusy                  = &Error{Code: Busy}
	ErrParamOutOfRange       = &Error{Code: ParamOutOfRange}
	ErrInvalidVideoSettings  = &Error{Code: InvalidVideoSettings}
	ErrInsufficientResources = &Error{Code: InsufficientResources}
	ErrOutOfMemory           = &Error{Code: OutOfMemory}
	ErrFrameTimeout          = &Error{Code: FrameTimeout}
	ErrUnsupported           = &Error{Code: Unsupported}
	ErrDeviceIo              = &Error{Code: DeviceIoError}
)

// New returns a coded error for op wrapping err (which may be nil).
func New(code Code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// IO wraps a lower level failure as a DeviceIoError unless it already
// carries a code.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: DeviceIoError, Op: op, Err: err}
}

// CodeOf extracts the code from err. nil maps to Success and errors without
// a code map to DeviceIoError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return DeviceIoError
}

package selectigo

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotRegistered is returned when unregistering a client
	// that isn't registered (anymore). It is a minor error;
	// see [Reactor.UnregisterSafe].
	ErrNotRegistered = errors.New("selectigo: client not registered")
	// ErrAlreadyRegistered is returned when registering a descriptor
	// that already has a registered client.
	ErrAlreadyRegistered = errors.New("selectigo: descriptor already registered")
	// ErrReactorClosed is returned by operations on a closed reactor.
	ErrReactorClosed = errors.New("selectigo: reactor closed")
	// ErrNotImplemented is returned by multiplexers that lack a capability.
	ErrNotImplemented = errors.New("selectigo: not implemented on this platform")
	// ErrKilled matches every [KilledError] via [errors.Is].
	ErrKilled = errors.New("selectigo: fiber killed")
)

// ReactorError is an error reported by the kernel multiplexer.
// Fatal errors break the reactor contract and should end the reactor loop;
// non-fatal ones are warnings.
type ReactorError struct {
	Op    string
	Fd    int
	Err   error
	Fatal bool
}

// newReactorError classifies err returned by the multiplexer operation op.
func newReactorError(op string, fd int, err error) *ReactorError {
	return &ReactorError{Op: op, Fd: fd, Err: err, Fatal: isFatal(err)}
}

// Error implements the error interface.
func (e *ReactorError) Error() string {
	kind := "minor"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("selectigo: %s %s fd %d: %v", kind, e.Op, e.Fd, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReactorError) Unwrap() error {
	return e.Err
}

// isFatal reports whether a multiplexer error indicates
// a capacity or argument problem, as opposed to a descriptor
// that has simply gone away.
func isFatal(err error) bool {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EBADF), errors.Is(err, ErrNotRegistered):
		return false
	default:
		return true
	}
}

// IsFatal reports whether err contains a fatal [ReactorError].
func IsFatal(err error) bool {
	var re *ReactorError
	return errors.As(err, &re) && re.Fatal
}

// ClientError reports an error condition flagged by the multiplexer
// for a single descriptor.
type ClientError struct {
	Fd     int
	Events Event
	// Code is the pending socket error (SO_ERROR), or 0 if unknown.
	Code unix.Errno
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("selectigo: error on fd %d (events %s): %v", e.Fd, e.Events, e.Code)
	}
	return fmt.Sprintf("selectigo: error on fd %d (events %s)", e.Fd, e.Events)
}

// Unwrap returns the socket error, if any.
func (e *ClientError) Unwrap() error {
	if e.Code == 0 {
		return nil
	}
	return e.Code
}

// KilledError is returned from [Fiber.Suspend] inside a fiber
// that has been killed. It records where the kill was requested.
type KilledError struct {
	File string
	Line int
}

// Error implements the error interface.
func (e *KilledError) Error() string {
	if e.File == "" {
		return ErrKilled.Error()
	}
	return fmt.Sprintf("%v (killed at %s:%d)", ErrKilled, e.File, e.Line)
}

// Is makes every KilledError match [ErrKilled].
func (e *KilledError) Is(target error) bool {
	return target == ErrKilled
}

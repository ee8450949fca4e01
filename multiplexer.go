package selectigo

import (
	"time"
)

// Readiness is one entry of a [Multiplexer.Wait] result.
type Readiness struct {
	Fd     int
	Events Event
}

// Ready pairs a registered [Client] with the events reported for it.
// A readiness batch is only valid for the duration of one dispatch call.
type Ready struct {
	Client Client
	Events Event
}

// Multiplexer is the kernel readiness facility a [Reactor] waits on.
//
// Errors returned by Add, Modify and Delete are classified by the reactor:
// ENOENT and EBADF mean the descriptor is already gone and are minor,
// everything else is fatal.
type Multiplexer interface {
	// Add starts watching fd for the given events.
	Add(fd int, events Event) error
	// Modify changes the events watched for an already added fd.
	Modify(fd int, events Event) error
	// Delete stops watching fd.
	Delete(fd int) error
	// Wait blocks until at least one descriptor is ready or the timeout expires,
	// filling buf and returning the number of entries written.
	// A negative timeout blocks indefinitely.
	Wait(buf []Readiness, timeout time.Duration) (int, error)
	// Close releases the multiplexer.
	Close() error
}

package selectigo

import (
	"errors"

	"golang.org/x/sys/unix"
)

// readinessDispatcher calls Handle on every ready client of a batch,
// unregistering and finalizing the ones that are done or failed.
type readinessDispatcher struct {
	reactor *Reactor
}

// Dispatch implements dispatcher.
func (d *readinessDispatcher) Dispatch(batch []Ready) error {
	for _, ready := range batch {
		if err := d.dispatchOne(ready); err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne handles a single ready client.
// Clients unregistered as a side effect of handling an earlier
// client of the same batch are skipped.
func (d *readinessDispatcher) dispatchOne(ready Ready) error {
	r := d.reactor
	c := ready.Client
	if !r.IsRegistered(c) {
		return nil
	}

	r.stats.handled.Inc()
	keep, err := handleClient(c, ready.Events)
	if err != nil {
		r.clientError(c, err, ready.Events)
		return r.unregisterAndFinalize(c, FinalizeError)
	}
	if !keep {
		return r.unregisterAndFinalize(c, FinalizeSuccess)
	}
	return nil
}

// handleClient calls Handle on the client, unless the multiplexer flagged
// an error on its descriptor.
//
// Hangups are passed on to Handle: there may still be buffered data to read.
func handleClient(c Client, events Event) (bool, error) {
	if events&EventError != 0 {
		return false, deviceError(c.FileHandle(), events)
	}
	return c.Handle(events)
}

// deviceError builds a [*ClientError], fetching the pending socket error if fd is a socket.
func deviceError(fd int, events Event) error {
	e := &ClientError{Fd: fd, Events: events}
	if code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil {
		e.Code = unix.Errno(code)
	} else {
		var errno unix.Errno
		if !errors.As(err, &errno) || errno != unix.ENOTSOCK {
			e.Code = errno
		}
	}
	return e
}

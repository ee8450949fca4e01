//go:build linux

package selectigo

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Notifier is a [Client] wrapping an eventfd, letting other goroutines
// wake up a reactor and have a callback run on the reactor's goroutine.
type Notifier struct {
	NopHooks
	fd       int
	buf      [8]byte
	onNotify func() bool
	code     int
}

// NewNotifier creates a new eventfd-backed [Notifier].
// onNotify runs on the reactor goroutine each time the notifier has been
// triggered at least once since the last call; returning false unregisters it.
func NewNotifier(onNotify func() bool) (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Notifier{fd: fd, onNotify: onNotify}, nil
}

// Trigger wakes up the reactor the notifier is registered with.
// Trigger is threadsafe.
func (n *Notifier) Trigger() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(n.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated; the reactor is going to wake up anyway
		return nil
	}
	return err
}

func (n *Notifier) FileHandle() int {
	return n.fd
}

func (n *Notifier) Events() Event {
	return EventRead
}

func (n *Notifier) Handle(Event) (bool, error) {
	if _, err := unix.Read(n.fd, n.buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return true, nil
		}
		if errno, ok := err.(unix.Errno); ok {
			n.code = int(errno)
		}
		return false, err
	}
	return n.onNotify(), nil
}

func (n *Notifier) Finalize(FinalizeStatus) error {
	return nil
}

func (n *Notifier) ErrorCode() int {
	return n.code
}

// Close closes the eventfd.
func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}

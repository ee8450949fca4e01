//go:build !linux

package selectigo

// Notifier is only available on Linux.
type Notifier struct {
	NopHooks
}

// NewNotifier returns [ErrNotImplemented] on this platform.
func NewNotifier(func() bool) (*Notifier, error) {
	return nil, ErrNotImplemented
}

// Trigger implements the Linux API; it always fails on this platform.
func (n *Notifier) Trigger() error { return ErrNotImplemented }

func (n *Notifier) FileHandle() int { return -1 }

func (n *Notifier) Events() Event { return EventNone }

func (n *Notifier) Handle(Event) (bool, error) { return false, ErrNotImplemented }

func (n *Notifier) Finalize(FinalizeStatus) error { return nil }

// Close implements the Linux API.
func (n *Notifier) Close() error { return nil }

package selectigo

import (
	"strings"
)

// Event is a bit set of readiness conditions reported by a [Multiplexer],
// and the interest mask a [Client] registers with.
type Event uint32

const (
	EventRead       Event = 1 << iota // data can be read
	EventWrite                        // data can be written
	EventReadHangup                   // peer shut down its writing half
	EventHangup                       // both directions hung up
	EventError                        // error condition on the descriptor
	EventPriority                     // urgent/out-of-band data

	// EventNone is the empty event set.
	EventNone Event = 0
)

// String returns a human-readable representation of the event set.
func (e Event) String() string {
	if e == EventNone {
		return "none"
	}
	names := []struct {
		ev   Event
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventReadHangup, "rdhup"},
		{EventHangup, "hup"},
		{EventError, "err"},
		{EventPriority, "pri"},
	}
	var parts []string
	for _, n := range names {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FinalizeStatus tells a [Client] why it was unregistered.
type FinalizeStatus int

const (
	FinalizeSuccess FinalizeStatus = iota // Handle reported it was done
	FinalizeError                         // Handle (or the descriptor) failed
	FinalizeTimeout                       // the client's deadline passed
)

func (s FinalizeStatus) String() string {
	switch s {
	case FinalizeSuccess:
		return "success"
	case FinalizeError:
		return "error"
	case FinalizeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Client is a descriptor registered with a [Reactor] together with
// the callbacks the reactor invokes for it.
//
// Identity matters: the reactor compares clients with ==,
// so implementations should use pointer receivers.
type Client interface {
	// FileHandle returns the descriptor to watch.
	FileHandle() int
	// Events returns the interest mask.
	Events() Event
	// Handle is called when the descriptor reported events.
	// Returning false or a non-nil error unregisters the client,
	// followed by a call to Finalize.
	Handle(events Event) (bool, error)
	// Finalize is called once the client has been unregistered
	// by the dispatcher. An error returned here is passed to Error.
	Finalize(status FinalizeStatus) error
	// Error notifies the client that handling it failed.
	Error(err error, events Event)
	// ErrorCode returns the last OS error code seen on the descriptor, if any.
	ErrorCode() int
	// Registered is called whenever the client is (logically) registered.
	Registered()
	// Unregistered is called whenever the client is (logically) unregistered.
	Unregistered()
}

// NopHooks provides no-op implementations of the optional parts of [Client].
// Embed it in client types that don't care about them.
type NopHooks struct{}

// Error implements [Client].
func (NopHooks) Error(error, Event) {}

// ErrorCode implements [Client].
func (NopHooks) ErrorCode() int { return 0 }

// Registered implements [Client].
func (NopHooks) Registered() {}

// Unregistered implements [Client].
func (NopHooks) Unregistered() {}

// finalizeClient calls Finalize on the client,
// routing any error it returns to the client's Error callback.
func finalizeClient(c Client, status FinalizeStatus) {
	if err := c.Finalize(status); err != nil {
		c.Error(err, EventNone)
	}
}

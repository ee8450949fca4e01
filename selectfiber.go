package selectigo

import (
	"go.uber.org/zap"
)

// SelectRoutine is the body of a [SelectFiber].
type SelectRoutine func(sf *SelectFiber, msg Message) (Message, error)

// SelectFiber is a [Fiber] that registers clients with a [Reactor] on behalf
// of its routine, tracking the one client currently registered so that
// re-registering the same descriptor with the same interest mask
// doesn't cost a multiplexer call.
//
// When the routine terminates, the tracked client is unregistered.
type SelectFiber struct {
	*Fiber
	reactor *Reactor

	current Client
	mask    Event
}

// NewSelectFiber constructs a [SelectFiber] driving routine.
func NewSelectFiber(r *Reactor, routine SelectRoutine) *SelectFiber {
	sf := &SelectFiber{reactor: r}
	sf.Fiber = NewFiber(func(_ *Fiber, msg Message) (Message, error) {
		defer sf.release()
		return routine(sf, msg)
	})
	return sf
}

// Reactor returns the reactor the fiber registers its clients with.
func (sf *SelectFiber) Reactor() *Reactor {
	return sf.reactor
}

// Current returns the tracked client, or nil if there is none.
func (sf *SelectFiber) Current() Client {
	if sf.current != nil && !sf.reactor.IsRegistered(sf.current) {
		// removed behind our back, e.g. finalized by the dispatcher
		sf.current = nil
	}
	return sf.current
}

// Register makes c the fiber's registered client. It reports whether
// the multiplexer had to be called:
//   - with no client tracked, c is registered;
//   - if the tracked client uses another descriptor, it is unregistered
//     and c is registered in its place;
//   - if it uses the same descriptor but another interest mask,
//     the registration is changed in place;
//   - otherwise only the Unregistered and Registered hooks run,
//     and false is returned.
func (sf *SelectFiber) Register(c Client) (bool, error) {
	r := sf.reactor
	cur := sf.Current()
	events := c.Events()

	switch {
	case cur == nil:
		if err := r.Register(c); err != nil {
			return false, err
		}
	case cur.FileHandle() != c.FileHandle():
		sf.current = nil
		if err := r.UnregisterSafe(cur); err != nil {
			return false, err
		}
		if err := r.Register(c); err != nil {
			return false, err
		}
	case sf.mask != events:
		if err := r.ChangeClient(cur, c); err != nil {
			return false, err
		}
	default:
		if cur == c {
			c.Unregistered()
			c.Registered()
		} else if _, err := r.swap(cur, c); err != nil {
			return false, err
		}
		sf.current = c
		return false, nil
	}

	sf.current, sf.mask = c, events
	return true, nil
}

// Unregister unregisters the tracked client, if any.
// It reports whether the multiplexer had to be called.
func (sf *SelectFiber) Unregister() (bool, error) {
	cur := sf.Current()
	sf.current = nil
	if cur == nil {
		return false, nil
	}
	return true, sf.reactor.UnregisterSafe(cur)
}

// Kill kills the fiber like [Fiber.Kill]. The client tracked at the time
// of the call is unregistered and finalized with [FinalizeError], even if
// the routine handles the kill and suspends again. If the routine returned
// an error, it is passed to the client's Error callback first.
func (sf *SelectFiber) Kill() (Message, error) {
	c := sf.Current()
	msg, err := sf.Fiber.killAt(callSite(2))
	if c == nil {
		return msg, err
	}

	r := sf.reactor
	if err != nil {
		r.clientError(c, err, EventNone)
	}
	if ferr := r.unregisterAndFinalize(c, FinalizeError); ferr != nil {
		r.log.Error("unregistering killed client failed", zap.Error(ferr))
	}
	return msg, err
}

// release unregisters the tracked client once the routine is done.
func (sf *SelectFiber) release() {
	if _, err := sf.Unregister(); err != nil {
		sf.reactor.log.Error("unregistering client of finished fiber failed", zap.Error(err))
	}
}

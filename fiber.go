package selectigo

import (
	"fmt"
	"iter"
	"runtime"
)

// FiberState is the lifecycle state of a [Fiber].
type FiberState int

const (
	FiberReady      FiberState = iota // never started, or reset
	FiberRunning                      // executing on behalf of its resumer
	FiberSuspended                    // waiting in Suspend for Resume
	FiberTerminated                   // routine returned
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberSuspended:
		return "suspended"
	case FiberTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("FiberState(%d)", int(s))
	}
}

// Routine is the body of a [Fiber]. It receives the message passed to
// [Fiber.Start]; the message and error it returns are handed to whichever
// call is driving the fiber when it terminates.
type Routine func(f *Fiber, msg Message) (Message, error)

// Fiber is a stackful coroutine exchanging [Message] values with its resumer.
//
// The routine runs on its own goroutine, but control is handed over
// synchronously: the resumer blocks while the routine runs and vice versa,
// so the two never execute in parallel.
//
// Calling a method in the wrong state is a programming error and panics.
type Fiber struct {
	routine Routine
	state   FiberState

	next  func() (Message, bool)
	stop  func()
	yield func(Message) bool

	in      Message
	out     Message
	outErr  error
	pending error
	kill    *KilledError
}

// NewFiber constructs a [Fiber] in the ready state.
func NewFiber(routine Routine) *Fiber {
	return &Fiber{routine: routine}
}

// State returns the current lifecycle state.
func (f *Fiber) State() FiberState {
	return f.state
}

// Start runs the routine from the beginning with msg as its argument,
// until it first suspends or terminates. A suspended fiber is unwound first:
// its pending Suspend returns a [*KilledError].
func (f *Fiber) Start(msg Message) (Message, error) {
	if f.state == FiberRunning {
		panic("selectigo: Start called on a running fiber")
	}
	if f.state == FiberSuspended {
		f.unwind(callSite(2))
	}
	f.reset()

	// the routine is driven by iter.Pull, which is what makes
	// suspending from arbitrarily deep call stacks possible
	f.next, f.stop = iter.Pull(func(yield func(Message) bool) {
		f.yield = yield
		f.out, f.outErr = f.routine(f, f.in)
	})
	return f.resume(msg)
}

// Suspend yields msg to the resumer and blocks until the fiber is resumed,
// returning the resumer's message. Must only be called from the routine.
// If the fiber was killed in the meantime a [*KilledError] is returned.
func (f *Fiber) Suspend(msg Message) (Message, error) {
	if f.state != FiberRunning || f.yield == nil {
		panic("selectigo: Suspend called outside a running fiber")
	}

	if !f.yield(msg) {
		// the iterator was stopped; only happens while unwinding
		return Message{}, f.killedError()
	}
	if k := f.kill; k != nil {
		f.kill = nil
		return Message{}, k
	}
	return f.in, nil
}

// SuspendThrow suspends the fiber and makes the call that resumed it
// return err instead of a message. Once the fiber is resumed again,
// err is returned to the routine (or a [*KilledError] if it was killed).
func (f *Fiber) SuspendThrow(err error) error {
	f.pending = err
	if _, serr := f.Suspend(Message{}); serr != nil {
		return serr
	}
	return err
}

// RaiseOnNextResume arms err to be returned by the next [Fiber.Resume]
// instead of resuming the routine.
func (f *Fiber) RaiseOnNextResume(err error) {
	f.pending = err
}

// Resume continues a suspended routine, passing msg to its pending Suspend.
// It returns the message of the routine's next Suspend,
// or its return values if it terminates.
func (f *Fiber) Resume(msg Message) (Message, error) {
	if f.state != FiberSuspended {
		panic(fmt.Sprintf("selectigo: Resume called on a %s fiber", f.state))
	}
	if err := f.pending; err != nil {
		f.pending = nil
		return Message{}, err
	}
	return f.resume(msg)
}

// Kill makes the pending Suspend of a suspended routine return
// a [*KilledError] recording the caller's position, and runs the routine
// until it suspends or terminates. Like [Fiber.Resume], it returns the
// message of the routine's next Suspend, or its return values if it
// terminates; a routine that doesn't handle the kill normally returns
// the kill error itself.
func (f *Fiber) Kill() (Message, error) {
	return f.killAt(callSite(2))
}

func (f *Fiber) killAt(site *KilledError) (Message, error) {
	if f.state != FiberSuspended {
		panic(fmt.Sprintf("selectigo: Kill called on a %s fiber", f.state))
	}
	f.kill = site
	f.pending = nil
	return f.resume(Message{})
}

// Reset returns the fiber to the ready state, unwinding it if suspended.
func (f *Fiber) Reset() {
	if f.state == FiberRunning {
		panic("selectigo: Reset called on a running fiber")
	}
	if f.state == FiberSuspended {
		f.unwind(callSite(2))
	}
	f.reset()
}

func (f *Fiber) resume(msg Message) (Message, error) {
	f.in = msg
	f.state = FiberRunning
	out, ok := f.next()
	if !ok {
		f.state = FiberTerminated
		f.stop()
		out, err := f.out, f.outErr
		f.out, f.outErr = Message{}, nil
		return out, err
	}

	f.state = FiberSuspended
	if err := f.pending; err != nil {
		f.pending = nil
		return Message{}, err
	}
	return out, nil
}

// unwind stops a suspended routine, letting every Suspend it still calls
// fail with a kill error.
func (f *Fiber) unwind(site *KilledError) {
	f.kill = site
	f.state = FiberRunning
	f.stop()
	f.state = FiberTerminated
}

func (f *Fiber) reset() {
	f.state = FiberReady
	f.next, f.stop, f.yield = nil, nil, nil
	f.in, f.out, f.outErr = Message{}, Message{}, nil
	f.pending = nil
	f.kill = nil
}

func (f *Fiber) killedError() *KilledError {
	if f.kill != nil {
		return f.kill
	}
	return &KilledError{}
}

func callSite(skip int) *KilledError {
	_, file, line, _ := runtime.Caller(skip)
	return &KilledError{File: file, Line: line}
}

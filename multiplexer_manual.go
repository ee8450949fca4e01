package selectigo

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ManualMultiplexer is an in-process [Multiplexer] whose readiness
// notifications are injected by the caller instead of reported by the kernel.
// It does not support real I/O, but makes it possible to drive a [Reactor]
// deterministically, and it counts the registration calls it receives.
//
// Inject is threadsafe; everything else is meant to be called from
// the reactor's goroutine.
type ManualMultiplexer struct {
	mu      sync.Mutex
	watched map[int]Event
	queue   []Readiness
	failing map[string]error
	closed  bool
	calls   ManualCalls

	wakeupCh chan struct{}
}

// ManualCalls counts the registration calls made against a [ManualMultiplexer].
type ManualCalls struct {
	Add    int
	Modify int
	Delete int
	Wait   int
}

// Total returns the number of registration calls, excluding waits.
func (c ManualCalls) Total() int {
	return c.Add + c.Modify + c.Delete
}

// NewManualMultiplexer constructs a new [ManualMultiplexer].
func NewManualMultiplexer() *ManualMultiplexer {
	return &ManualMultiplexer{
		watched:  make(map[int]Event),
		failing:  make(map[string]error),
		wakeupCh: make(chan struct{}, 1),
	}
}

// Inject queues events for fd, to be reported by the next Wait.
// Events outside the fd's interest mask are dropped, except for
// errors and hangups which are always reported.
// Returns false if fd isn't watched.
func (m *ManualMultiplexer) Inject(fd int, events Event) bool {
	m.mu.Lock()
	interest, ok := m.watched[fd]
	if ok {
		events &= interest | EventError | EventHangup
		m.queue = append(m.queue, Readiness{Fd: fd, Events: events})
	}
	m.mu.Unlock()

	if ok {
		m.Wakeup()
	}
	return ok
}

// Wakeup implements [Waker].
func (m *ManualMultiplexer) Wakeup() {
	select {
	case m.wakeupCh <- struct{}{}:
	default:
	}
}

// FailNext makes the next call to op ("add", "modify", "delete" or "wait")
// return err.
func (m *ManualMultiplexer) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[op] = err
}

// Calls returns the number of calls made so far.
func (m *ManualMultiplexer) Calls() ManualCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Interest returns the mask fd is watched with.
func (m *ManualMultiplexer) Interest(fd int) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.watched[fd]
	return events, ok
}

func (m *ManualMultiplexer) failure(op string) error {
	if m.closed {
		return unix.EBADF
	}
	if err, ok := m.failing[op]; ok {
		delete(m.failing, op)
		return err
	}
	return nil
}

func (m *ManualMultiplexer) Add(fd int, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Add++
	if err := m.failure("add"); err != nil {
		return err
	}
	if _, ok := m.watched[fd]; ok {
		return unix.EEXIST
	}
	m.watched[fd] = events
	return nil
}

func (m *ManualMultiplexer) Modify(fd int, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Modify++
	if err := m.failure("modify"); err != nil {
		return err
	}
	if _, ok := m.watched[fd]; !ok {
		return unix.ENOENT
	}
	m.watched[fd] = events
	return nil
}

func (m *ManualMultiplexer) Delete(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Delete++
	if err := m.failure("delete"); err != nil {
		return err
	}
	if _, ok := m.watched[fd]; !ok {
		return unix.ENOENT
	}
	delete(m.watched, fd)

	// forget queued events for the removed descriptor
	kept := m.queue[:0]
	for _, r := range m.queue {
		if r.Fd != fd {
			kept = append(kept, r)
		}
	}
	m.queue = kept
	return nil
}

func (m *ManualMultiplexer) Wait(buf []Readiness, timeout time.Duration) (int, error) {
	m.mu.Lock()
	m.calls.Wait++
	if err := m.failure("wait"); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if n := m.drain(buf); n > 0 {
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	if timeout == 0 {
		return 0, nil
	}

	// nothing queued, so sleep until something is injected
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-timeoutCh:
	case <-m.wakeupCh:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drain(buf), nil
}

func (m *ManualMultiplexer) drain(buf []Readiness) int {
	n := copy(buf, m.queue)
	m.queue = append(m.queue[:0], m.queue[n:]...)
	return n
}

func (m *ManualMultiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unix.EBADF
	}
	m.closed = true
	return nil
}

package selectigo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// Waker is implemented by multiplexers that can interrupt a pending Wait
// without a descriptor becoming ready. Wakeup must be threadsafe.
type Waker interface {
	Wakeup()
}

// dispatcher turns one readiness batch into client callbacks.
// Only fatal reactor errors are returned.
type dispatcher interface {
	Dispatch(batch []Ready) error
}

// Reactor multiplexes many non-blocking descriptors on one goroutine,
// dispatching readiness events to registered [Client] values.
//
// A Reactor is not threadsafe: everything except [Reactor.Post],
// [Reactor.Shutdown] and [Reactor.Stats] must be called from the goroutine
// running it, which includes the callbacks of its clients.
type Reactor struct {
	id  string
	log *zap.Logger
	mux Multiplexer

	clients  map[int]Client
	fds      map[Client]int
	internal map[Client]struct{}

	dispatcher  dispatcher
	timeouts    TimeoutManager
	waitTimeout time.Duration

	readiness []Readiness
	batch     []Ready

	postMu sync.Mutex
	posted *queue.Queue
	waker  func() error

	shutdown atomic.Bool
	closed   bool
	stats    reactorStats
}

// NewReactor constructs a new [Reactor].
func NewReactor(opts ...Option) (*Reactor, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	mux := cfg.mux
	if mux == nil {
		if mux, err = newPlatformMultiplexer(cfg.batchSize); err != nil {
			return nil, fmt.Errorf("selectigo: creating multiplexer: %w", err)
		}
	}

	id := uuid.NewString()
	r := &Reactor{
		id:          id,
		log:         cfg.logger.With(zap.String("reactor", id)),
		mux:         mux,
		clients:     make(map[int]Client),
		fds:         make(map[Client]int),
		internal:    make(map[Client]struct{}),
		timeouts:    cfg.timeouts,
		waitTimeout: cfg.waitTimeout,
		readiness:   make([]Readiness, cfg.batchSize),
		batch:       make([]Ready, 0, cfg.batchSize),
		posted:      queue.New(),
	}

	plain := &readinessDispatcher{reactor: r}
	if r.timeouts != nil {
		r.dispatcher = newTimeoutDispatcher(r, plain, r.timeouts)
	} else {
		r.dispatcher = plain
	}

	if err := r.setupWakeup(); err != nil {
		_ = mux.Close()
		return nil, err
	}
	return r, nil
}

// setupWakeup decides how Post interrupts a pending wait:
// through the multiplexer itself if it supports it,
// or through a notifier client otherwise.
func (r *Reactor) setupWakeup() error {
	if w, ok := r.mux.(Waker); ok {
		r.waker = func() error {
			w.Wakeup()
			return nil
		}
		return nil
	}

	notifier, err := NewNotifier(func() bool { return true })
	if errors.Is(err, ErrNotImplemented) {
		r.log.Debug("cross-goroutine wakeups not supported by multiplexer")
		r.waker = func() error { return ErrNotImplemented }
		return nil
	} else if err != nil {
		return fmt.Errorf("selectigo: creating notifier: %w", err)
	}

	if err := r.Register(notifier); err != nil {
		_ = notifier.Close()
		return err
	}
	r.internal[notifier] = struct{}{}
	r.waker = notifier.Trigger
	return nil
}

// ID returns the unique identifier of this reactor, as used in its logs.
func (r *Reactor) ID() string {
	return r.id
}

// Register starts watching a client's descriptor.
// The client's Registered hook runs before the multiplexer call.
func (r *Reactor) Register(c Client) error {
	if r.closed {
		return ErrReactorClosed
	}

	fd := c.FileHandle()
	if _, ok := r.fds[c]; ok {
		return ErrAlreadyRegistered
	}
	if _, ok := r.clients[fd]; ok {
		return ErrAlreadyRegistered
	}

	c.Registered()
	if err := r.mux.Add(fd, c.Events()); err != nil {
		c.Unregistered()
		return newReactorError("add", fd, err)
	}
	r.track(fd, c)
	return nil
}

// Unregister stops watching a client's descriptor.
// The client's Unregistered hook runs before the multiplexer call.
//
// Unregistering a client that isn't registered, or whose descriptor
// has already been closed, returns a non-fatal [*ReactorError].
func (r *Reactor) Unregister(c Client) error {
	fd, ok := r.fds[c]
	if !ok {
		return newReactorError("delete", c.FileHandle(), ErrNotRegistered)
	}

	c.Unregistered()
	r.untrack(fd, c)
	if err := r.mux.Delete(fd); err != nil {
		return newReactorError("delete", fd, err)
	}
	return nil
}

// UnregisterSafe is like [Reactor.Unregister], but only returns fatal errors.
func (r *Reactor) UnregisterSafe(c Client) error {
	err := r.Unregister(c)
	if err != nil && !IsFatal(err) {
		r.log.Debug("ignoring unregister failure", zap.Error(err))
		return nil
	}
	return err
}

// ChangeClient replaces a registered client with another one using the
// same descriptor, updating the interest mask in a single multiplexer call.
// If the multiplexer rejects the new mask, old stays registered.
func (r *Reactor) ChangeClient(old, replacement Client) error {
	fd, err := r.swap(old, replacement)
	if err != nil {
		return err
	}
	if err := r.mux.Modify(fd, replacement.Events()); err != nil {
		replacement.Unregistered()
		r.untrack(fd, replacement)
		old.Registered()
		r.track(fd, old)
		return newReactorError("modify", fd, err)
	}
	return nil
}

// swap replaces old with replacement in the registration tables
// and runs their hooks, without touching the multiplexer.
func (r *Reactor) swap(old, replacement Client) (int, error) {
	fd, ok := r.fds[old]
	if !ok {
		return -1, newReactorError("modify", old.FileHandle(), ErrNotRegistered)
	}
	if got := replacement.FileHandle(); got != fd {
		return -1, fmt.Errorf("selectigo: cannot change client on fd %d to one on fd %d", fd, got)
	}
	if _, ok := r.fds[replacement]; ok && replacement != old {
		return -1, ErrAlreadyRegistered
	}

	old.Unregistered()
	r.untrack(fd, old)
	replacement.Registered()
	r.track(fd, replacement)
	return fd, nil
}

// Modify re-reads the interest mask of a registered client
// and updates the multiplexer with it.
func (r *Reactor) Modify(c Client) error {
	fd, ok := r.fds[c]
	if !ok {
		return newReactorError("modify", c.FileHandle(), ErrNotRegistered)
	}
	if err := r.mux.Modify(fd, c.Events()); err != nil {
		return newReactorError("modify", fd, err)
	}
	return nil
}

// IsRegistered reports whether c is currently registered with this reactor.
func (r *Reactor) IsRegistered(c Client) bool {
	_, ok := r.fds[c]
	return ok
}

// Len returns the number of registered clients.
func (r *Reactor) Len() int {
	return len(r.fds) - len(r.internal)
}

// Clients returns the registered clients in no particular order.
func (r *Reactor) Clients() []Client {
	clients := maps.Keys(r.fds)
	kept := clients[:0]
	for _, c := range clients {
		if _, ok := r.internal[c]; !ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func (r *Reactor) track(fd int, c Client) {
	r.clients[fd] = c
	r.fds[c] = fd
	r.stats.registered.Inc()
}

func (r *Reactor) untrack(fd int, c Client) {
	delete(r.clients, fd)
	delete(r.fds, c)
	r.stats.registered.Dec()
}

// Select runs one reactor cycle: it waits up to timeout for readiness
// (bounded by the next pending deadline), then dispatches the ready clients.
// A negative timeout waits indefinitely. Only fatal errors are returned.
func (r *Reactor) Select(timeout time.Duration) error {
	if r.closed {
		return ErrReactorClosed
	}
	r.runPosted()

	n, err := r.mux.Wait(r.readiness, r.boundTimeout(timeout))
	if err != nil {
		return &ReactorError{Op: "wait", Fd: -1, Err: err, Fatal: true}
	}
	r.stats.selects.Inc()

	for _, ready := range r.readiness[:n] {
		if c, ok := r.clients[ready.Fd]; ok {
			r.batch = append(r.batch, Ready{Client: c, Events: ready.Events})
		}
	}
	err = r.dispatcher.Dispatch(r.batch)
	clear(r.batch)
	r.batch = r.batch[:0]

	r.runPosted()
	return err
}

func (r *Reactor) boundTimeout(timeout time.Duration) time.Duration {
	if r.timeouts == nil {
		return timeout
	}
	next, ok := r.timeouts.NextDeadline()
	if !ok {
		return timeout
	}
	next = max(next, 0)
	if timeout < 0 || next < timeout {
		return next
	}
	return timeout
}

// Run runs reactor cycles until ctx is cancelled, [Reactor.Shutdown] is
// called, a fatal error occurs, or no clients and callbacks remain.
func (r *Reactor) Run(ctx context.Context) error {
	r.shutdown.Store(false)
	stop := context.AfterFunc(ctx, r.Shutdown)
	defer stop()

	for !r.shutdown.Load() {
		if r.Len() == 0 && !r.hasPosted() {
			break
		}
		if err := r.Select(r.waitTimeout); err != nil {
			r.log.Error("reactor loop failed", zap.Error(err))
			return err
		}
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// Shutdown makes a running [Reactor.Run] return after its current cycle.
// Shutdown is threadsafe.
func (r *Reactor) Shutdown() {
	r.shutdown.Store(true)
	r.wakeup()
}

// Post schedules callback to run on the reactor's goroutine
// between dispatch cycles, waking the reactor if it is waiting.
// Post is threadsafe.
func (r *Reactor) Post(callback func()) {
	r.postMu.Lock()
	r.posted.Add(callback)
	r.postMu.Unlock()
	r.wakeup()
}

func (r *Reactor) wakeup() {
	if err := r.waker(); err != nil {
		r.log.Warn("could not wake up reactor", zap.Error(err))
	}
}

func (r *Reactor) hasPosted() bool {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	return r.posted.Length() > 0
}

func (r *Reactor) runPosted() {
	for {
		r.postMu.Lock()
		if r.posted.Length() == 0 {
			r.postMu.Unlock()
			return
		}
		callback := r.posted.Remove().(func())
		r.postMu.Unlock()

		callback()
	}
}

// Close unregisters the reactor's internal clients and releases the multiplexer.
// Clients still registered are not finalized.
func (r *Reactor) Close() error {
	if r.closed {
		return ErrReactorClosed
	}
	for c := range r.internal {
		_ = r.UnregisterSafe(c)
		delete(r.internal, c)
		if closer, ok := c.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	r.closed = true
	r.waker = func() error { return ErrReactorClosed }
	return r.mux.Close()
}

// clientError routes a per-client failure to the client
// and records it in the reactor's logs and stats.
func (r *Reactor) clientError(c Client, err error, events Event) {
	if errors.Is(err, ErrKilled) {
		r.log.Debug("client killed", zap.Int("fd", c.FileHandle()), zap.Error(err))
	} else {
		r.stats.errors.Inc()
		r.log.Warn("client failed",
			zap.Int("fd", c.FileHandle()),
			zap.Stringer("events", events),
			zap.Int("errno", c.ErrorCode()),
			zap.Error(err))
	}
	c.Error(err, events)
}

// unregisterAndFinalize unregisters c and calls its Finalize callback.
// Only fatal unregister errors are returned.
func (r *Reactor) unregisterAndFinalize(c Client, status FinalizeStatus) error {
	err := r.UnregisterSafe(c)
	if status == FinalizeTimeout {
		r.stats.timeouts.Inc()
	}
	r.stats.finalized.Inc()
	finalizeClient(c, status)
	return err
}

// Stats is a snapshot of a reactor's counters.
type Stats struct {
	Registered int64  // clients currently registered, including internal ones
	Selects    uint64 // completed waits
	Handled    uint64 // Handle calls
	Errors     uint64 // client failures, excluding kills
	Timeouts   uint64 // clients finalized because of a timeout
	Finalized  uint64 // Finalize calls made by the dispatcher
}

type reactorStats struct {
	registered atomic.Int64
	selects    atomic.Uint64
	handled    atomic.Uint64
	errors     atomic.Uint64
	timeouts   atomic.Uint64
	finalized  atomic.Uint64
}

// Stats returns a snapshot of the reactor's counters. Stats is threadsafe.
func (r *Reactor) Stats() Stats {
	return Stats{
		Registered: r.stats.registered.Load(),
		Selects:    r.stats.selects.Load(),
		Handled:    r.stats.handled.Load(),
		Errors:     r.stats.errors.Load(),
		Timeouts:   r.stats.timeouts.Load(),
		Finalized:  r.stats.finalized.Load(),
	}
}

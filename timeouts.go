package selectigo

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// TimeoutManager tracks per-client deadlines on behalf of a [Reactor].
type TimeoutManager interface {
	// NextDeadline returns the time left until the earliest pending deadline,
	// which is zero or negative if it has already passed.
	// ok is false if no deadline is pending.
	NextDeadline() (left time.Duration, ok bool)
	// CheckTimeouts calls visit for every client whose deadline has passed,
	// stopping early if visit returns false. Returns the number of clients visited.
	CheckTimeouts(visit func(Client) bool) int
}

// timeoutDispatcher decorates a readinessDispatcher with deadline enforcement.
// A client that timed out never receives a Handle call in the same cycle;
// it is finalized with FinalizeTimeout after the rest of the batch.
type timeoutDispatcher struct {
	reactor  *Reactor
	plain    *readinessDispatcher
	timeouts TimeoutManager

	// reused between cycles
	timedOut    map[Client]struct{}
	timedOutSeq []Client
}

func newTimeoutDispatcher(r *Reactor, plain *readinessDispatcher, tm TimeoutManager) *timeoutDispatcher {
	return &timeoutDispatcher{
		reactor:  r,
		plain:    plain,
		timeouts: tm,
		timedOut: make(map[Client]struct{}),
	}
}

// Dispatch implements dispatcher.
// Clients that timed out are finalized even if handling the batch
// failed fatally, since the timeout manager has already forgotten them.
func (d *timeoutDispatcher) Dispatch(batch []Ready) error {
	d.collect()
	if len(d.timedOutSeq) == 0 {
		return d.plain.Dispatch(batch)
	}
	defer d.reset()

	var batchErr error
	for _, ready := range batch {
		if _, ok := d.timedOut[ready.Client]; ok {
			continue
		}
		if batchErr = d.plain.dispatchOne(ready); batchErr != nil {
			break
		}
	}

	r := d.reactor
	errs := []error{batchErr}
	for _, c := range d.timedOutSeq {
		// may have been unregistered while handling the batch
		if !r.IsRegistered(c) {
			continue
		}
		r.log.Debug("client timed out", zap.Int("fd", c.FileHandle()))
		if err := r.unregisterAndFinalize(c, FinalizeTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// collect fills the timed-out set if the earliest deadline has passed.
func (d *timeoutDispatcher) collect() {
	left, ok := d.timeouts.NextDeadline()
	if !ok || left > 0 {
		return
	}
	d.timeouts.CheckTimeouts(func(c Client) bool {
		if _, dup := d.timedOut[c]; !dup {
			d.timedOut[c] = struct{}{}
			d.timedOutSeq = append(d.timedOutSeq, c)
		}
		return true
	})
}

func (d *timeoutDispatcher) reset() {
	clear(d.timedOut)
	clear(d.timedOutSeq)
	d.timedOutSeq = d.timedOutSeq[:0]
}

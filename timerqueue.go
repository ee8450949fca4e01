package selectigo

import (
	"container/heap"
	"time"
)

// TimerQueue is a [TimeoutManager] keeping client deadlines in a priority queue.
// TimerQueue is not threadsafe.
type TimerQueue struct {
	now    func() time.Time
	timers timerHeap
}

// NewTimerQueue constructs a new [TimerQueue].
// now is used as the clock; if nil, [time.Now] is used.
func NewTimerQueue(now func() time.Time) *TimerQueue {
	if now == nil {
		now = time.Now
	}
	return &TimerQueue{now: now}
}

// Timer is a handle to a deadline scheduled in a [TimerQueue].
type Timer struct {
	client Client
	when   time.Time

	// queue == nil && index < 0 if the timer has not been scheduled,
	// has fired or has been cancelled
	queue *TimerQueue
	index int
}

// Client returns the client the timer belongs to.
func (t *Timer) Client() Client {
	return t.client
}

// When returns the deadline.
func (t *Timer) When() time.Time {
	return t.when
}

// Cancel removes the timer from its queue.
// Returns false if the timer was not pending.
func (t *Timer) Cancel() bool {
	if t.queue == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.queue.timers, t.index)
	return true
}

// Schedule sets a deadline timeout from now for c.
func (q *TimerQueue) Schedule(c Client, timeout time.Duration) *Timer {
	t := &Timer{client: c, when: q.now().Add(timeout), queue: q, index: -1}
	heap.Push(&q.timers, t)
	return t
}

// Len returns the number of pending timers.
func (q *TimerQueue) Len() int {
	return q.timers.Len()
}

// NextDeadline implements [TimeoutManager].
func (q *TimerQueue) NextDeadline() (time.Duration, bool) {
	if q.timers.Len() == 0 {
		return 0, false
	}
	return q.timers[0].when.Sub(q.now()), true
}

// CheckTimeouts implements [TimeoutManager]. Expired timers are removed
// from the queue before their client is visited.
func (q *TimerQueue) CheckTimeouts(visit func(Client) bool) int {
	now := q.now()
	var visited int
	for q.timers.Len() > 0 && !q.timers[0].when.After(now) {
		t := heap.Pop(&q.timers).(*Timer)
		visited++
		if !visit(t.client) {
			break
		}
	}
	return visited
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int {
	return len(h)
}

func (h timerHeap) Less(i, j int) bool {
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i].index = j
	h[j].index = i
	h[i], h[j] = h[j], h[i]
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements [heap.Interface].
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	// detach from the queue so Cancel becomes a no-op
	t.index = -1
	t.queue = nil
	return t
}

// Deadline arms a client's timeout whenever it is registered with a reactor.
// Embed or hold one in a [Client] and call Arm from Registered
// and Disarm from Unregistered.
type Deadline struct {
	Queue   *TimerQueue
	Timeout time.Duration

	timer *Timer
}

// Arm (re)starts the deadline for c. A zero or negative Timeout disables it.
func (d *Deadline) Arm(c Client) {
	d.Disarm()
	if d.Queue != nil && d.Timeout > 0 {
		d.timer = d.Queue.Schedule(c, d.Timeout)
	}
}

// Disarm cancels a pending deadline.
func (d *Deadline) Disarm() {
	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
}

// Pending reports whether the deadline is armed and hasn't fired yet.
func (d *Deadline) Pending() bool {
	return d.timer != nil && d.timer.index >= 0
}

package selectigo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testClient records every callback the reactor makes.
type testClient struct {
	fd     int
	events Event

	handle      func(events Event) (bool, error)
	finalizeErr error
	deadline    *Deadline

	handled      []Event
	finalized    []FinalizeStatus
	errs         []error
	registered   int
	unregistered int
}

func newTestClient(fd int, events Event) *testClient {
	return &testClient{fd: fd, events: events}
}

func (c *testClient) FileHandle() int { return c.fd }
func (c *testClient) Events() Event   { return c.events }
func (c *testClient) ErrorCode() int  { return 0 }

func (c *testClient) Handle(events Event) (bool, error) {
	c.handled = append(c.handled, events)
	if c.handle != nil {
		return c.handle(events)
	}
	return true, nil
}

func (c *testClient) Finalize(status FinalizeStatus) error {
	c.finalized = append(c.finalized, status)
	return c.finalizeErr
}

func (c *testClient) Error(err error, _ Event) {
	c.errs = append(c.errs, err)
}

func (c *testClient) Registered() {
	c.registered++
	if c.deadline != nil {
		c.deadline.Arm(c)
	}
}

func (c *testClient) Unregistered() {
	c.unregistered++
	if c.deadline != nil {
		c.deadline.Disarm()
	}
}

// newManualReactor returns a reactor driven by a [ManualMultiplexer].
func newManualReactor(t *testing.T, opts ...Option) (*Reactor, *ManualMultiplexer) {
	t.Helper()
	mux := NewManualMultiplexer()
	opts = append([]Option{WithMultiplexer(mux), WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := NewReactor(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mux
}

// fakeClock is a manually advanced clock for [TimerQueue].
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestEventString(t *testing.T) {
	tests := []struct {
		events Event
		want   string
	}{
		{EventNone, "none"},
		{EventRead, "read"},
		{EventRead | EventWrite, "read|write"},
		{EventReadHangup | EventHangup | EventError, "rdhup|hup|err"},
		{EventPriority, "pri"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.events.String())
		})
	}
}

func TestFinalizeClientRoutesError(t *testing.T) {
	c := newTestClient(3, EventRead)
	c.finalizeErr = assert.AnError

	finalizeClient(c, FinalizeTimeout)

	assert.Equal(t, []FinalizeStatus{FinalizeTimeout}, c.finalized)
	assert.Equal(t, []error{assert.AnError}, c.errs)
}

package selectigo

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/sys/unix"
)

const defaultChainReadSize = 4096

// ChainHandler processes data buffered by a [ChainClient].
// buf holds everything read so far for the current chain; the handler
// consumes a prefix of buf[*cursor:] by advancing *cursor, which must never
// move backward. It returns true to be called again (immediately if it
// consumed data and more is buffered, otherwise once more data arrives),
// or false to hand over to the next handler of the chain.
type ChainHandler func(buf []byte, cursor *int) (bool, error)

// ChainStatus is returned by a chain finalizer.
type ChainStatus int

const (
	// ChainUnregister ends the client once pending output has been written.
	ChainUnregister ChainStatus = iota
	// ChainContinue runs the newly installed chain right away
	// on the data that is already buffered.
	ChainContinue
	// ChainWait keeps the client registered until the descriptor is ready again.
	ChainWait
)

func (s ChainStatus) String() string {
	switch s {
	case ChainUnregister:
		return "unregister"
	case ChainContinue:
		return "continue"
	case ChainWait:
		return "wait"
	default:
		return fmt.Sprintf("ChainStatus(%d)", int(s))
	}
}

// ChainClient is a [Client] driving a protocol as a chain of handlers
// over a shared input buffer, without a fiber.
type ChainClient struct {
	reactor  *Reactor
	fd       int
	readSize int

	handlers  []ChainHandler
	index     int
	finalizer func() ChainStatus

	buf    []byte
	cursor int
	out    []byte

	mask    Event
	eof     bool
	closing bool
	code    int

	// OnFinalize, if set, is called from Finalize.
	OnFinalize func(status FinalizeStatus) error
	// OnError, if set, is called from Error.
	OnError func(err error, events Event)
	// Deadline, if set, is armed whenever the client is registered.
	Deadline *Deadline
}

// NewChainClient constructs a [ChainClient] for the non-blocking descriptor fd.
func NewChainClient(r *Reactor, fd int) *ChainClient {
	return &ChainClient{
		reactor:  r,
		fd:       fd,
		readSize: defaultChainReadSize,
	}
}

// Install replaces the current chain, starting over at its first handler.
// Data not yet consumed stays buffered for the new chain.
func (c *ChainClient) Install(handlers ...ChainHandler) {
	c.handlers = handlers
	c.index = 0
}

// SetFinalizer sets the function called once every handler of a chain is done.
// Without one, the client ends after its first chain.
func (c *ChainClient) SetFinalizer(fn func() ChainStatus) {
	c.finalizer = fn
}

// Buffered returns the data read but not consumed yet.
func (c *ChainClient) Buffered() []byte {
	return c.buf[c.cursor:]
}

// Write queues p for writing, attempting to write it right away.
// Whatever doesn't fit is written once the descriptor becomes writable.
func (c *ChainClient) Write(p []byte) error {
	c.out = append(c.out, p...)
	if err := c.flush(); err != nil {
		return err
	}
	return c.updateInterest()
}

func (c *ChainClient) FileHandle() int {
	return c.fd
}

func (c *ChainClient) Events() Event {
	events := EventRead | EventReadHangup
	if c.eof || c.closing {
		events = EventNone
	}
	if len(c.out) > 0 {
		events |= EventWrite
	}
	return events
}

func (c *ChainClient) Handle(events Event) (bool, error) {
	if events&EventWrite != 0 {
		if err := c.flush(); err != nil {
			return false, err
		}
	}
	if !c.closing && events&(EventRead|EventReadHangup|EventHangup) != 0 {
		if err := c.fill(); err != nil {
			return false, err
		}
		if c.Deadline != nil {
			c.Deadline.Arm(c)
		}
		if err := c.run(); err != nil {
			return false, err
		}
	}

	if c.closing || c.eof {
		if len(c.out) == 0 {
			return false, nil
		}
		if events&(EventHangup|EventError) != 0 {
			return false, io.ErrClosedPipe
		}
	}
	if err := c.updateInterest(); err != nil {
		return false, err
	}
	return true, nil
}

// run drives the handler chains over the buffered data.
func (c *ChainClient) run() error {
	for !c.closing {
		if c.index < len(c.handlers) {
			waiting, err := c.step()
			if err != nil {
				return err
			}
			if waiting {
				break
			}
			continue
		}

		status := ChainUnregister
		if c.finalizer != nil {
			status = c.finalizer()
		}
		c.compact()
		switch status {
		case ChainUnregister:
			c.closing = true
			return nil
		case ChainContinue:
			if c.index >= len(c.handlers) {
				panic("selectigo: chain finalizer asked to continue without installing a chain")
			}
		case ChainWait:
			return nil
		default:
			return fmt.Errorf("selectigo: unknown chain status %v", status)
		}
	}

	if c.eof && !c.closing {
		if c.index > 0 || c.cursor < len(c.buf) {
			return io.ErrUnexpectedEOF
		}
		c.closing = true
	}
	return nil
}

// step calls the current handler until it either finishes or waits for data.
func (c *ChainClient) step() (bool, error) {
	handler := c.handlers[c.index]
	for {
		before := c.cursor
		again, err := handler(c.buf, &c.cursor)
		if c.cursor < before || c.cursor > len(c.buf) {
			panic(fmt.Sprintf("selectigo: chain handler moved cursor from %d to %d (buffer holds %d bytes)",
				before, c.cursor, len(c.buf)))
		}
		if err != nil {
			return false, err
		}
		if !again {
			c.index++
			return false, nil
		}
		if c.cursor == before || c.cursor == len(c.buf) {
			return true, nil
		}
	}
}

// compact drops consumed input. Only called between chains,
// as handlers may keep slices of the buffer for the lifetime of a chain.
func (c *ChainClient) compact() {
	n := copy(c.buf, c.buf[c.cursor:])
	c.buf = c.buf[:n]
	c.cursor = 0
}

func (c *ChainClient) fill() error {
	if len(c.buf) == cap(c.buf) {
		c.buf = slices.Grow(c.buf, c.readSize)
	}
	for {
		n, err := unix.Read(c.fd, c.buf[len(c.buf):cap(c.buf)])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			c.setCode(err)
			return err
		}
		if n == 0 {
			c.eof = true
		}
		c.buf = c.buf[:len(c.buf)+n]
		return nil
	}
}

func (c *ChainClient) flush() error {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if n > 0 {
			c.out = c.out[n:]
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			c.setCode(err)
			return err
		}
	}
	c.out = nil
	return nil
}

// updateInterest keeps the multiplexer in sync with Events.
func (c *ChainClient) updateInterest() error {
	events := c.Events()
	if events == c.mask || !c.reactor.IsRegistered(c) {
		return nil
	}
	if err := c.reactor.Modify(c); err != nil {
		return err
	}
	c.mask = events
	return nil
}

func (c *ChainClient) setCode(err error) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		c.code = int(errno)
	}
}

func (c *ChainClient) Finalize(status FinalizeStatus) error {
	if c.OnFinalize != nil {
		return c.OnFinalize(status)
	}
	return nil
}

func (c *ChainClient) Error(err error, events Event) {
	if c.OnError != nil {
		c.OnError(err, events)
	}
}

func (c *ChainClient) ErrorCode() int {
	return c.code
}

func (c *ChainClient) Registered() {
	c.mask = c.Events()
	if c.Deadline != nil {
		c.Deadline.Arm(c)
	}
}

func (c *ChainClient) Unregistered() {
	if c.Deadline != nil {
		c.Deadline.Disarm()
	}
}

package selectigo

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// Transmitter performs one chunk of I/O on behalf of a [FiberProtocol].
type Transmitter interface {
	// Transmit is called with the events last reported for the descriptor
	// (none on the first call). It returns true if it needs to be called again
	// once the descriptor is ready, or false when done.
	Transmit(events Event) (more bool, err error)
}

// TransmitterFunc adapts a function to the [Transmitter] interface.
type TransmitterFunc func(events Event) (bool, error)

// Transmit implements [Transmitter].
func (fn TransmitterFunc) Transmit(events Event) (bool, error) {
	return fn(events)
}

// FiberProtocol is a [Client] whose I/O is written as straight-line code
// running inside a [SelectFiber]: whenever its [Transmitter] would block,
// the fiber suspends until the reactor reports the descriptor ready.
//
// Several protocols may share one fiber in sequence, e.g. one reading
// and one writing the same descriptor.
type FiberProtocol struct {
	fiber       *SelectFiber
	fd          int
	events      Event
	transmitter Transmitter

	reported Event
	code     int

	// OnFinalize, if set, is called from Finalize.
	OnFinalize func(status FinalizeStatus) error
	// OnError, if set, is called from Error.
	OnError func(err error, events Event)
	// Deadline, if set, is armed whenever the protocol is registered.
	Deadline *Deadline
}

// NewFiberProtocol constructs a [FiberProtocol] waiting for events on fd.
func NewFiberProtocol(sf *SelectFiber, fd int, events Event, t Transmitter) *FiberProtocol {
	return &FiberProtocol{
		fiber:       sf,
		fd:          fd,
		events:      events,
		transmitter: t,
	}
}

// TransmitLoop registers the protocol through its fiber, then calls Transmit
// until it reports being done, suspending the fiber in between.
// It must be called from the fiber's routine.
func (p *FiberProtocol) TransmitLoop() error {
	if _, err := p.fiber.Register(p); err != nil {
		return err
	}

	p.reported = EventNone
	for {
		more, err := p.transmitter.Transmit(p.reported)
		if err != nil {
			var errno unix.Errno
			if errors.As(err, &errno) {
				p.code = int(errno)
			}
			return err
		}
		if !more {
			return nil
		}
		if _, err := p.fiber.Suspend(BoolMessage(true)); err != nil {
			return err
		}
	}
}

// Fiber returns the fiber the protocol runs in.
func (p *FiberProtocol) Fiber() *SelectFiber {
	return p.fiber
}

// Reported returns the events passed to the last Handle call.
func (p *FiberProtocol) Reported() Event {
	return p.reported
}

func (p *FiberProtocol) FileHandle() int {
	return p.fd
}

func (p *FiberProtocol) Events() Event {
	return p.events
}

// Handle resumes the fiber once; the fiber stays
// registered as long as it suspends with a true [BoolMessage].
func (p *FiberProtocol) Handle(events Event) (bool, error) {
	p.reported = events
	msg, err := p.fiber.Resume(IntMessage(uint64(events)))
	if err != nil {
		return false, err
	}
	return msg.Bool(), nil
}

// Finalize kills the fiber if it is still suspended on behalf of the
// protocol, so a timed-out or failed protocol doesn't leave its routine behind.
func (p *FiberProtocol) Finalize(status FinalizeStatus) error {
	var err error
	if p.fiber.State() == FiberSuspended && p.fiber.Current() == nil {
		if _, kerr := p.fiber.Fiber.killAt(callSite(2)); kerr != nil && !errors.Is(kerr, ErrKilled) {
			err = kerr
		}
	}
	if p.OnFinalize != nil {
		err = errors.Join(err, p.OnFinalize(status))
	}
	return err
}

func (p *FiberProtocol) Error(err error, events Event) {
	if p.OnError != nil {
		p.OnError(err, events)
	}
}

func (p *FiberProtocol) ErrorCode() int {
	return p.code
}

func (p *FiberProtocol) Registered() {
	if p.Deadline != nil {
		p.Deadline.Arm(p)
	}
}

func (p *FiberProtocol) Unregistered() {
	if p.Deadline != nil {
		p.Deadline.Disarm()
	}
}

// FiberReader is a [Transmitter] reading one chunk from a non-blocking descriptor.
type FiberReader struct {
	Fd  int
	Buf []byte

	// N is the number of bytes read by the last completed Transmit.
	// Zero means end of file.
	N int
}

// Transmit implements [Transmitter].
func (r *FiberReader) Transmit(Event) (bool, error) {
	for {
		n, err := unix.Read(r.Fd, r.Buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return true, nil
		case err != nil:
			return false, err
		}
		r.N = n
		return false, nil
	}
}

// FiberWriter is a [Transmitter] writing all of Buf to a non-blocking descriptor.
type FiberWriter struct {
	Fd  int
	Buf []byte

	// N is the total number of bytes written.
	N int
}

// Transmit implements [Transmitter].
func (w *FiberWriter) Transmit(Event) (bool, error) {
	for len(w.Buf) > 0 {
		n, err := unix.Write(w.Fd, w.Buf)
		if n > 0 {
			w.N += n
			w.Buf = w.Buf[n:]
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return true, nil
		case err != nil:
			return false, err
		}
	}
	return false, nil
}

// SocketIO performs blocking-style reads and writes on a non-blocking
// descriptor from inside a [SelectFiber].
type SocketIO struct {
	reader FiberReader
	writer FiberWriter

	readProto  *FiberProtocol
	writeProto *FiberProtocol
}

// NewSocketIO constructs a [SocketIO] for fd.
func NewSocketIO(sf *SelectFiber, fd int) *SocketIO {
	s := &SocketIO{
		reader: FiberReader{Fd: fd},
		writer: FiberWriter{Fd: fd},
	}
	s.readProto = NewFiberProtocol(sf, fd, EventRead|EventReadHangup, &s.reader)
	s.writeProto = NewFiberProtocol(sf, fd, EventWrite, &s.writer)
	return s
}

// Protocols returns the read and write protocols, e.g. to set their hooks.
func (s *SocketIO) Protocols() (read, write *FiberProtocol) {
	return s.readProto, s.writeProto
}

// ReadSome reads at least one byte into buf, suspending the fiber until
// data is available. At end of file it returns [io.EOF].
func (s *SocketIO) ReadSome(buf []byte) (int, error) {
	s.reader.Buf, s.reader.N = buf, 0
	defer func() { s.reader.Buf = nil }()

	if err := s.readProto.TransmitLoop(); err != nil {
		return 0, err
	}
	if s.reader.N == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return s.reader.N, nil
}

// WriteAll writes all of p, suspending the fiber whenever the descriptor is full.
func (s *SocketIO) WriteAll(p []byte) (int, error) {
	s.writer.Buf, s.writer.N = p, 0
	defer func() { s.writer.Buf = nil }()

	err := s.writeProto.TransmitLoop()
	return s.writer.N, err
}

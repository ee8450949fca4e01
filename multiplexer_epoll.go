//go:build linux

package selectigo

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// EpollMultiplexer is a level-triggered [Multiplexer] backed by epoll(7).
type EpollMultiplexer struct {
	epfd   int
	events []unix.EpollEvent
}

// NewEpollMultiplexer creates a new epoll instance.
// batchSize bounds the number of events returned by a single Wait.
func NewEpollMultiplexer(batchSize int) (*EpollMultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &EpollMultiplexer{
		epfd:   epfd,
		events: make([]unix.EpollEvent, batchSize),
	}, nil
}

// newPlatformMultiplexer is used by [NewReactor] when no multiplexer was configured.
func newPlatformMultiplexer(batchSize int) (Multiplexer, error) {
	return NewEpollMultiplexer(batchSize)
}

func (e *EpollMultiplexer) Add(fd int, events Event) error {
	event := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &event)
}

func (e *EpollMultiplexer) Modify(fd int, events Event) error {
	event := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &event)
}

func (e *EpollMultiplexer) Delete(fd int) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait implements [Multiplexer]. Being interrupted by a signal
// is reported as zero ready descriptors.
func (e *EpollMultiplexer) Wait(buf []Readiness, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		// round up so a sub-millisecond deadline doesn't turn into a busy loop
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	events := e.events
	if len(buf) < len(events) {
		events = events[:len(buf)]
	}
	n, err := unix.EpollWait(e.epfd, events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			err = nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		buf[i] = Readiness{Fd: int(events[i].Fd), Events: fromEpoll(events[i].Events)}
	}
	return n, nil
}

func (e *EpollMultiplexer) Close() error {
	return unix.Close(e.epfd)
}

func toEpoll(events Event) uint32 {
	var ev uint32
	if events&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if events&EventReadHangup != 0 {
		ev |= unix.EPOLLRDHUP
	}
	if events&EventPriority != 0 {
		ev |= unix.EPOLLPRI
	}
	// EPOLLERR and EPOLLHUP are always reported by the kernel
	return ev
}

func fromEpoll(ev uint32) Event {
	var events Event
	if ev&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ev&unix.EPOLLRDHUP != 0 {
		events |= EventReadHangup
	}
	if ev&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if ev&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ev&unix.EPOLLPRI != 0 {
		events |= EventPriority
	}
	return events
}

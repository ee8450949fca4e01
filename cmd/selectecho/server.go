//go:build linux

package main

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/arvidfm/selectigo"
)

var quit = []byte("quit")

// server accepts connections and serves each of them in the configured style.
type server struct {
	log     *zap.Logger
	reactor *selectigo.Reactor
	timers  *selectigo.TimerQueue
	style   string
	idle    time.Duration

	accepted int
}

func (s *server) accept(fd int, peer unix.Sockaddr) {
	s.accepted++
	log := s.log.With(zap.Int("fd", fd), zap.String("peer", sockaddrString(peer)))
	log.Debug("accepted connection")

	var err error
	if s.style == styleChain {
		err = s.serveChain(fd, log)
	} else {
		err = s.serveFiber(fd, log)
	}
	if err != nil {
		log.Warn("could not serve connection", zap.Error(err))
	}
}

func (s *server) deadline() *selectigo.Deadline {
	return &selectigo.Deadline{Queue: s.timers, Timeout: s.idle}
}

// serveFiber runs the connection as straight-line code inside a fiber.
func (s *server) serveFiber(fd int, log *zap.Logger) error {
	sf := selectigo.NewSelectFiber(s.reactor, func(sf *selectigo.SelectFiber, _ selectigo.Message) (selectigo.Message, error) {
		defer func() {
			_, _ = sf.Unregister()
			_ = unix.Close(fd)
		}()

		sock := selectigo.NewSocketIO(sf, fd)
		read, write := sock.Protocols()
		read.Deadline = s.deadline()
		onError := func(err error, events selectigo.Event) {
			log.Debug("connection failed", zap.Stringer("events", events), zap.Error(err))
		}
		read.OnError, write.OnError = onError, onError
		read.OnFinalize = func(status selectigo.FinalizeStatus) error {
			log.Debug("connection finalized", zap.Stringer("status", status))
			return nil
		}

		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := sock.ReadSome(buf)
			if errors.Is(err, io.EOF) {
				log.Debug("connection closed by peer")
				return selectigo.Message{}, nil
			} else if err != nil {
				return selectigo.Message{}, err
			}

			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := pending[:i+1]
				if bytes.Equal(bytes.TrimSpace(line), quit) {
					return selectigo.Message{}, nil
				}
				if _, err := sock.WriteAll(line); err != nil {
					return selectigo.Message{}, err
				}
				pending = pending[i+1:]
			}
			pending = append([]byte(nil), pending...)
		}
	})

	_, err := sf.Start(selectigo.Message{})
	if errors.Is(err, selectigo.ErrKilled) {
		return nil
	}
	return err
}

// serveChain runs the connection as a chain of two handlers,
// one splitting off a line and one writing it back.
func (s *server) serveChain(fd int, log *zap.Logger) error {
	c := selectigo.NewChainClient(s.reactor, fd)
	c.Deadline = s.deadline()

	var line []byte
	readLine := func(buf []byte, cursor *int) (bool, error) {
		i := bytes.IndexByte(buf[*cursor:], '\n')
		if i < 0 {
			return true, nil
		}
		line = buf[*cursor : *cursor+i+1]
		*cursor += i + 1
		return false, nil
	}
	echo := func([]byte, *int) (bool, error) {
		if bytes.Equal(bytes.TrimSpace(line), quit) {
			return false, nil
		}
		return false, c.Write(line)
	}

	c.Install(readLine, echo)
	c.SetFinalizer(func() selectigo.ChainStatus {
		if bytes.Equal(bytes.TrimSpace(line), quit) {
			return selectigo.ChainUnregister
		}
		c.Install(readLine, echo)
		return selectigo.ChainContinue
	})
	c.OnError = func(err error, events selectigo.Event) {
		log.Debug("connection failed", zap.Stringer("events", events), zap.Error(err))
	}
	c.OnFinalize = func(status selectigo.FinalizeStatus) error {
		log.Debug("connection finalized", zap.Stringer("status", status))
		return unix.Close(fd)
	}

	if err := s.reactor.Register(c); err != nil {
		_ = unix.Close(fd)
		return err
	}
	return nil
}

// listenOn registers a listener for fd, which is closed if that fails.
func (s *server) listenOn(fd int) error {
	if err := s.reactor.Register(&listener{fd: fd, server: s}); err != nil {
		_ = unix.Close(fd)
		return err
	}
	return nil
}

// listener accepts connections on a listening socket.
type listener struct {
	selectigo.NopHooks
	fd     int
	server *server
}

func (l *listener) FileHandle() int {
	return l.fd
}

func (l *listener) Events() selectigo.Event {
	return selectigo.EventRead
}

func (l *listener) Handle(selectigo.Event) (bool, error) {
	for {
		fd, peer, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return true, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case err != nil:
			return false, err
		}
		l.server.accept(fd, peer)
	}
}

func (l *listener) Error(err error, _ selectigo.Event) {
	l.server.log.Error("listener failed", zap.Error(err))
}

func (l *listener) Finalize(selectigo.FinalizeStatus) error {
	return unix.Close(l.fd)
}

func listen(addr netip.AddrPort) (int, error) {
	ip := addr.Addr().Unmap()
	domain := unix.AF_INET6
	var sa unix.Sockaddr = &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
	if ip.Is4() {
		domain = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String()
	default:
		return "unknown"
	}
}

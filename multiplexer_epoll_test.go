//go:build linux

package selectigo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// socketPair returns a connected pair of non-blocking stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newEpollReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r, err := NewReactor(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeString(t *testing.T, fd int, s string) {
	t.Helper()
	n, err := unix.Write(fd, []byte(s))
	require.NoError(t, err)
	require.Equal(t, len(s), n)
}

func readString(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestEpollMultiplexer(t *testing.T) {
	mux, err := NewEpollMultiplexer(8)
	require.NoError(t, err)
	a, b := socketPair(t)
	buf := make([]Readiness, 8)

	require.NoError(t, mux.Add(a, EventRead|EventReadHangup))
	assert.ErrorIs(t, mux.Add(a, EventRead), unix.EEXIST)

	n, err := mux.Wait(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	writeString(t, b, "x")
	n, err = mux.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Readiness{Fd: a, Events: EventRead}, buf[0])

	// level-triggered: still readable until drained
	require.NoError(t, mux.Modify(a, EventRead|EventWrite))
	n, err = mux.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, EventRead|EventWrite, buf[0].Events)

	require.NoError(t, unix.Shutdown(b, unix.SHUT_WR))
	require.NoError(t, mux.Modify(a, EventRead|EventReadHangup))
	n, err = mux.Wait(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, EventRead|EventReadHangup, buf[0].Events)

	require.NoError(t, mux.Delete(a))
	n, err = mux.Wait(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, mux.Delete(a), unix.ENOENT)
	assert.ErrorIs(t, mux.Modify(a, EventRead), unix.ENOENT)

	require.NoError(t, mux.Close())
}

func TestEpollWaitTimeout(t *testing.T) {
	mux, err := NewEpollMultiplexer(8)
	require.NoError(t, err)
	defer mux.Close()

	start := time.Now()
	n, err := mux.Wait(make([]Readiness, 8), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReactorNotifierWakeup(t *testing.T) {
	r := newEpollReactor(t)
	assert.Equal(t, 0, r.Len(), "the notifier doesn't count as a client")
	assert.Empty(t, r.Clients())
	assert.Equal(t, int64(1), r.Stats().Registered)

	var posted bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Post(func() { posted = true })
	}()

	start := time.Now()
	require.NoError(t, r.Select(5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, posted)
}

func TestReactorHangupIsHandled(t *testing.T) {
	r := newEpollReactor(t)
	a, b := socketPair(t)
	c := newTestClient(a, EventRead|EventReadHangup)
	require.NoError(t, r.Register(c))

	require.NoError(t, unix.Shutdown(b, unix.SHUT_RDWR))
	require.NoError(t, r.Select(time.Second))

	require.Len(t, c.handled, 1)
	assert.NotZero(t, c.handled[0]&(EventReadHangup|EventHangup))
	assert.Empty(t, c.errs)
	assert.Empty(t, c.finalized)
	assert.True(t, r.IsRegistered(c))
}

func TestDeviceErrorHealthySocket(t *testing.T) {
	a, _ := socketPair(t)
	err := deviceError(a, EventError)

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, unix.Errno(0), ce.Code)
	assert.NoError(t, ce.Unwrap())
}

package selectigo

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiberRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
	}{
		{name: "no suspends"},
		{name: "integers", messages: []Message{IntMessage(1), IntMessage(2), IntMessage(3)}},
		{name: "mixed", messages: []Message{
			BoolMessage(true),
			PointerMessage(0xdead),
			ObjectMessage("hello"),
			{},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received []Message
			f := NewFiber(func(f *Fiber, msg Message) (Message, error) {
				received = append(received, msg)
				for _, m := range tt.messages {
					in, err := f.Suspend(m)
					if err != nil {
						return Message{}, err
					}
					received = append(received, in)
				}
				return ObjectMessage("done"), nil
			})
			require.Equal(t, FiberReady, f.State())

			var yielded []Message
			out, err := f.Start(IntMessage(100))
			for i := 0; err == nil && f.State() == FiberSuspended; i++ {
				yielded = append(yielded, out)
				out, err = f.Resume(IntMessage(uint64(101 + i)))
			}
			require.NoError(t, err)

			assert.Equal(t, FiberTerminated, f.State())
			obj, ok := out.Object()
			assert.True(t, ok)
			assert.Equal(t, "done", obj)

			assert.Equal(t, tt.messages, yielded)

			require.Len(t, received, len(tt.messages)+1)
			for i, msg := range received {
				n, ok := msg.Int()
				assert.True(t, ok)
				assert.Equal(t, uint64(100+i), n)
			}
		})
	}
}

func TestFiberReturnsError(t *testing.T) {
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		if _, err := f.Suspend(Message{}); err != nil {
			return Message{}, err
		}
		return IntMessage(1), assert.AnError
	})

	_, err := f.Start(Message{})
	require.NoError(t, err)
	out, err := f.Resume(Message{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, IntMessage(1), out)
	assert.Equal(t, FiberTerminated, f.State())
}

func TestFiberSuspendThrow(t *testing.T) {
	boom := errors.New("boom")
	var got error
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		got = f.SuspendThrow(boom)
		return IntMessage(7), nil
	})

	_, err := f.Start(Message{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FiberSuspended, f.State())
	assert.Nil(t, got, "routine must not run past the throw before being resumed")

	out, err := f.Resume(Message{})
	require.NoError(t, err)
	assert.Equal(t, IntMessage(7), out)
	assert.ErrorIs(t, got, boom)
	assert.Equal(t, FiberTerminated, f.State())
}

func TestFiberRaiseOnNextResume(t *testing.T) {
	var steps int
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		for {
			steps++
			if _, err := f.Suspend(IntMessage(uint64(steps))); err != nil {
				return Message{}, err
			}
		}
	})

	_, err := f.Start(Message{})
	require.NoError(t, err)
	require.Equal(t, 1, steps)

	f.RaiseOnNextResume(assert.AnError)
	_, err = f.Resume(Message{})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, steps, "armed error must be raised without resuming the routine")
	assert.Equal(t, FiberSuspended, f.State())

	out, err := f.Resume(Message{})
	require.NoError(t, err)
	assert.Equal(t, IntMessage(2), out)

	_, err = f.Kill()
	require.ErrorIs(t, err, ErrKilled)
}

func TestFiberKill(t *testing.T) {
	var observed error
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		for {
			if _, err := f.Suspend(Message{}); err != nil {
				observed = err
				return Message{}, err
			}
		}
	})

	_, err := f.Start(Message{})
	require.NoError(t, err)

	_, err = f.Kill()
	require.ErrorIs(t, err, ErrKilled)
	assert.Same(t, observed, err)
	assert.Equal(t, FiberTerminated, f.State())

	var killed *KilledError
	require.ErrorAs(t, err, &killed)
	assert.Equal(t, "fiber_test.go", filepath.Base(killed.File))
	assert.Positive(t, killed.Line)
	assert.Contains(t, killed.Error(), "fiber_test.go")
}

func TestFiberKillSwallowed(t *testing.T) {
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		_, _ = f.Suspend(Message{})
		return IntMessage(3), nil
	})

	_, err := f.Start(Message{})
	require.NoError(t, err)
	out, err := f.Kill()
	assert.NoError(t, err)
	assert.Equal(t, IntMessage(3), out)
	assert.Equal(t, FiberTerminated, f.State())
}

func TestFiberKillThenSuspend(t *testing.T) {
	var cleanups int
	f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
		for {
			_, err := f.Suspend(Message{})
			if !errors.Is(err, ErrKilled) {
				continue
			}
			// one more round trip to clean up
			cleanups++
			in, err := f.Suspend(IntMessage(42))
			if err != nil {
				return Message{}, err
			}
			return in, nil
		}
	})

	_, err := f.Start(Message{})
	require.NoError(t, err)

	var out Message
	require.NotPanics(t, func() { out, err = f.Kill() })
	require.NoError(t, err)
	assert.Equal(t, IntMessage(42), out)
	assert.Equal(t, FiberSuspended, f.State())
	assert.Equal(t, 1, cleanups)

	out, err = f.Resume(IntMessage(7))
	require.NoError(t, err)
	assert.Equal(t, IntMessage(7), out)
	assert.Equal(t, FiberTerminated, f.State())

	// killed again during the cleanup round trip
	_, err = f.Start(Message{})
	require.NoError(t, err)
	_, err = f.Kill()
	require.NoError(t, err)
	_, err = f.Kill()
	assert.ErrorIs(t, err, ErrKilled)
	assert.Equal(t, FiberTerminated, f.State())
	assert.Equal(t, 2, cleanups)
}

func TestFiberRestart(t *testing.T) {
	var runs int
	var observed []error
	f := NewFiber(func(f *Fiber, msg Message) (Message, error) {
		runs++
		_, err := f.Suspend(msg)
		observed = append(observed, err)
		return Message{}, err
	})

	out, err := f.Start(IntMessage(1))
	require.NoError(t, err)
	assert.Equal(t, IntMessage(1), out)

	// restarting unwinds the suspended run first
	out, err = f.Start(IntMessage(2))
	require.NoError(t, err)
	assert.Equal(t, IntMessage(2), out)
	assert.Equal(t, 2, runs)
	require.Len(t, observed, 1)
	assert.ErrorIs(t, observed[0], ErrKilled)

	f.Reset()
	assert.Equal(t, FiberReady, f.State())
	require.Len(t, observed, 2)
	assert.ErrorIs(t, observed[1], ErrKilled)
}

func TestFiberContractViolations(t *testing.T) {
	newSuspending := func() *Fiber {
		return NewFiber(func(f *Fiber, _ Message) (Message, error) {
			_, err := f.Suspend(Message{})
			return Message{}, err
		})
	}

	t.Run("resume ready", func(t *testing.T) {
		f := newSuspending()
		assert.Panics(t, func() { _, _ = f.Resume(Message{}) })
	})

	t.Run("kill ready", func(t *testing.T) {
		f := newSuspending()
		assert.Panics(t, func() { _, _ = f.Kill() })
	})

	t.Run("suspend outside routine", func(t *testing.T) {
		f := newSuspending()
		assert.Panics(t, func() { _, _ = f.Suspend(Message{}) })
	})

	t.Run("resume terminated", func(t *testing.T) {
		f := NewFiber(func(*Fiber, Message) (Message, error) {
			return Message{}, nil
		})
		_, err := f.Start(Message{})
		require.NoError(t, err)
		assert.Panics(t, func() { _, _ = f.Resume(Message{}) })
	})

	t.Run("start running", func(t *testing.T) {
		f := NewFiber(func(f *Fiber, _ Message) (Message, error) {
			return f.Start(Message{})
		})
		assert.Panics(t, func() { _, _ = f.Start(Message{}) })
	})
}

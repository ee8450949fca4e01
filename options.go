package selectigo

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 128
	defaultWaitTimeout = 30 * time.Second
)

// reactorOptions holds the configuration of a [Reactor].
type reactorOptions struct {
	logger      *zap.Logger
	mux         Multiplexer
	timeouts    TimeoutManager
	batchSize   int
	waitTimeout time.Duration
}

// Option configures a [Reactor].
type Option interface {
	applyReactor(*reactorOptions) error
}

type optionFunc func(*reactorOptions) error

func (f optionFunc) applyReactor(opts *reactorOptions) error {
	return f(opts)
}

// WithLogger sets the logger used by the reactor. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *reactorOptions) error {
		if logger == nil {
			return errors.New("selectigo: nil logger")
		}
		opts.logger = logger
		return nil
	})
}

// WithMultiplexer sets the multiplexer the reactor waits on.
// The reactor takes ownership and closes it in [Reactor.Close].
// Defaults to epoll on Linux.
func WithMultiplexer(mux Multiplexer) Option {
	return optionFunc(func(opts *reactorOptions) error {
		if mux == nil {
			return errors.New("selectigo: nil multiplexer")
		}
		opts.mux = mux
		return nil
	})
}

// WithTimeoutManager enables deadline enforcement: clients reported
// as expired by tm are finalized with [FinalizeTimeout].
func WithTimeoutManager(tm TimeoutManager) Option {
	return optionFunc(func(opts *reactorOptions) error {
		opts.timeouts = tm
		return nil
	})
}

// WithBatchSize sets the maximum number of readiness events
// handled per dispatch cycle.
func WithBatchSize(n int) Option {
	return optionFunc(func(opts *reactorOptions) error {
		if n <= 0 {
			return errors.New("selectigo: batch size must be positive")
		}
		opts.batchSize = n
		return nil
	})
}

// WithWaitTimeout sets how long [Reactor.Run] waits per cycle
// when no deadline is pending. A negative value waits indefinitely.
func WithWaitTimeout(d time.Duration) Option {
	return optionFunc(func(opts *reactorOptions) error {
		opts.waitTimeout = d
		return nil
	})
}

func resolveOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		batchSize:   defaultBatchSize,
		waitTimeout: defaultWaitTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg, nil
}

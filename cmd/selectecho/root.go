//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arvidfm/selectigo"
)

const (
	styleFiber = "fiber"
	styleChain = "chain"
)

var (
	listenAddr  string
	style       string
	idleTimeout time.Duration
	batchSize   int
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "selectecho",
	Short: "Line echo server running on a single selectigo reactor",
	Long: `selectecho echoes every line it receives back to the client.
A connection is closed when the client sends "quit", or after it has been
idle for longer than the idle timeout.

Connections are served either by fibers doing straight-line reads and writes
(--style fiber) or by handler chains (--style chain).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if style != styleFiber && style != styleChain {
			return fmt.Errorf("unknown style %q", style)
		}
		addr, err := netip.ParseAddrPort(listenAddr)
		if err != nil {
			return err
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return serve(cmd.Context(), logger, addr)
	},
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "addr", "127.0.0.1:7007", "address to listen on")
	rootCmd.Flags().StringVar(&style, "style", styleFiber, "connection handling style: fiber or chain")
	rootCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "close connections idle for this long (0 disables)")
	rootCmd.Flags().IntVar(&batchSize, "batch", 128, "maximum readiness events handled per reactor cycle")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every connection")
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(ctx context.Context, logger *zap.Logger, addr netip.AddrPort) error {
	timers := selectigo.NewTimerQueue(nil)
	r, err := selectigo.NewReactor(
		selectigo.WithLogger(logger),
		selectigo.WithTimeoutManager(timers),
		selectigo.WithBatchSize(batchSize),
	)
	if err != nil {
		return err
	}
	defer r.Close()

	fd, err := listen(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &server{
		log:     logger,
		reactor: r,
		timers:  timers,
		style:   style,
		idle:    idleTimeout,
	}
	if err := s.listenOn(fd); err != nil {
		return err
	}
	logger.Info("listening",
		zap.Stringer("addr", addr),
		zap.String("style", style),
		zap.String("reactor", r.ID()))

	err = r.Run(ctx)
	stats := r.Stats()
	logger.Info("reactor stopped",
		zap.Int("accepted", s.accepted),
		zap.Uint64("handled", stats.Handled),
		zap.Uint64("timeouts", stats.Timeouts),
		zap.Uint64("errors", stats.Errors))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

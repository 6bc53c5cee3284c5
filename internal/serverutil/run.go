// Package serverutil supervises a long-running server: it starts the
// server, waits for context cancellation or an OS signal, and then
// drains it with a bounded graceful shutdown.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"
)

// Runner is the minimal surface a supervised server must expose.
type Runner interface {
	Start() error
	Shutdown(context.Context) error
}

// Config controls the supervised run.
type Config struct {
	Runner          Runner
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	Signals         []os.Signal
	Ready           chan<- struct{}
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is
// cancelled or a signal arrives.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts cfg.Runner and blocks until the context is cancelled, one of
// cfg.Signals arrives, or the runner fails on its own. On cancellation it
// calls Shutdown bounded by ShutdownTimeout and returns the shutdown error,
// if any. http.ErrServerClosed is treated as a clean exit.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Runner == nil {
		return fmt.Errorf("runner is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	signalCtx := ctx
	if len(cfg.Signals) > 0 {
		var stop context.CancelFunc
		signalCtx, stop = signal.NotifyContext(ctx, cfg.Signals...)
		defer stop()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Runner.Start()
	}()

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-signalCtx.Done():
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("shutting down", "timeout", timeout.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Runner.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
	}

	return shutdownErr
}

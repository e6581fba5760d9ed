// Package supervisor composes the job-running engine client (C6) and the
// inbound webhook HTTP server (C8) into one process lifetime, grounded on
// server/cmd/server/main.go's concurrent `go func(){...;cancel()}()` starts
// and agent/cmd/agent/main.go's simpler `go exec.Run(...)` + blocking
// `mgr.Run(ctx)` pattern.
package supervisor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Backoff parameters for restarting a crashed component, identical to
// internal/jobrun's own reconnect backoff so the whole process backs off
// the same way whether the failure is an engine disconnect or a component
// panic/exit.
const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Runner is the interface both internal/jobrun.Runtime and the webhook
// server's blocking ListenAndServe wrapper satisfy: run until ctx is
// canceled, or return an error describing why it stopped early.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Component names one supervised Runner for logging.
type Component struct {
	Name   string
	Runner Runner
}

// Supervisor restarts each registered component with exponential backoff
// until ctx is canceled, at which point it waits for every component to
// return before Run itself returns.
type Supervisor struct {
	logger     *zap.Logger
	components []Component
}

// New creates a Supervisor over the given components. Order does not
// matter: every component starts concurrently.
func New(logger *zap.Logger, components ...Component) *Supervisor {
	return &Supervisor{logger: logger, components: components}
}

// Run starts every component concurrently and blocks until ctx is
// canceled and all components have returned. A component that returns a
// non-nil error before ctx is canceled is restarted after a backoff
// sleep; a component that returns nil before ctx is canceled is treated
// as a clean, permanent stop (it is not restarted).
func (s *Supervisor) Run(ctx context.Context) error {
	done := make(chan struct{}, len(s.components))

	for _, c := range s.components {
		c := c
		go func() {
			s.superviseOne(ctx, c)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	for range s.components {
		<-done
	}
	return nil
}

// superviseOne runs one component's crash-restart loop until ctx is
// canceled.
func (s *Supervisor) superviseOne(ctx context.Context, c Component) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.Runner.Run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info("component stopped cleanly, not restarting", zap.String("component", c.Name))
			return
		}

		s.logger.Error("component crashed, restarting",
			zap.String("component", c.Name),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		if !sleepBackoff(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	jitter := time.Duration(float64(next) * jitterFraction * (rand.Float64()*2 - 1))
	result := next + jitter
	if result < backoffInitial {
		result = backoffInitial
	}
	return result
}

func sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// HTTPServer adapts an *http.Server into a Runner: ListenAndServe blocks
// until the server is closed, and Shutdown is invoked on ctx cancellation
// with its own bounded grace period so the crash-restart loop above never
// fights with the engine-style graceful drain the webhook server needs.
type HTTPServer struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// Run implements Runner.
func (h HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := h.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

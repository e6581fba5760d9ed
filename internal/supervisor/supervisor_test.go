package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestServer() *http.Server {
	return &http.Server{
		Addr:    "127.0.0.1:0",
		Handler: http.NewServeMux(),
	}
}

func TestSupervisor_StopsCleanlyOnCancel(t *testing.T) {
	started := make(chan struct{})
	s := New(zap.NewNop(), Component{
		Name: "noop",
		Runner: RunnerFunc(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}
}

func TestSupervisor_RestartsCrashedComponent(t *testing.T) {
	var runs int32
	s := New(zap.NewNop(), Component{
		Name: "flaky",
		Runner: RunnerFunc(func(ctx context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			if n < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return nil
		}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	deadline := time.After(6 * time.Second)
	for atomic.LoadInt32(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 runs, got %d", atomic.LoadInt32(&runs))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after restarts")
	}
}

func TestHTTPServer_RunReturnsNilOnGracefulShutdown(t *testing.T) {
	h := HTTPServer{Server: newTestServer(), ShutdownTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HTTPServer.Run did not return after shutdown")
	}
}

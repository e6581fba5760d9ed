package jobrun

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/vladadzumka89-spec/camunda-processes/internal/enginepb"
	"github.com/vladadzumka89-spec/camunda-processes/internal/enginetransport"
)

// Backoff constants for reconnecting to the engine, grounded on
// agent/internal/connection/manager.go's nextBackoff: exponential with a
// cap, plus 20% jitter so a fleet of workers doesn't reconnect in lockstep.
const (
	backoffInitial  = time.Second
	backoffMax      = 60 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
)

// guardMargin is subtracted from a job's engine-side timeout when
// deriving the handler's context deadline, so a handler that is about
// to time out gets a chance to return before the engine reassigns the
// job out from under it.
const guardMargin = 2 * time.Second

// Handler processes one activated job and returns output variables, or
// an error to report as Failed/BpmnError per the retries-remaining rule.
type Handler func(ctx context.Context, job Job) (map[string]any, error)

// Registration binds a task type to its handler and execution policy.
type Registration struct {
	TaskType      string
	Handler       Handler
	Timeout       time.Duration
	MaxConcurrent int
	// Before runs synchronously before Handler, letting callers enrich
	// or validate a Job (e.g. resolving a logical server name) without
	// every handler repeating the same boilerplate.
	Before func(Job) Job
}

// OutcomeRecorder receives one observation per handled job, letting
// internal/obs maintain a job-outcome counter without jobrun importing
// Prometheus directly.
type OutcomeRecorder interface {
	JobOutcome(taskType, outcome string)
}

// Runtime owns the reconnect loop and the set of registered handlers.
type Runtime struct {
	factory      *enginetransport.Factory
	registry     []Registration
	workerName   string
	logger       *zap.Logger
	metrics      OutcomeRecorder
}

// New creates a Runtime dialing through factory and identifying itself
// to the engine as workerName.
func New(factory *enginetransport.Factory, workerName string, logger *zap.Logger) *Runtime {
	return &Runtime{factory: factory, workerName: workerName, logger: logger}
}

// SetMetrics attaches an OutcomeRecorder. Optional — a Runtime with no
// recorder attached simply skips the observation.
func (r *Runtime) SetMetrics(m OutcomeRecorder) {
	r.metrics = m
}

// Register adds a handler registration. Call before Run.
func (r *Runtime) Register(reg Registration) {
	r.registry = append(r.registry, reg)
}

// Run drives the reconnect loop until ctx is canceled. On any
// subscription's transport error, all subscriptions for the current
// connection are torn down and a fresh connection is dialed after a
// backoff sleep, per spec.md §4.6's "rebuild transport, reopen all
// subscriptions" rule.
func (r *Runtime) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, gw, err := r.factory.GatewayClient(ctx)
		if err != nil {
			r.logger.Warn("engine dial failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepBackoff(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		runErr := r.runConnection(ctx, gw)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if runErr == nil {
			backoff = backoffInitial
			continue
		}

		r.logger.Warn("engine connection lost, reconnecting", zap.Error(runErr), zap.Duration("backoff", backoff))
		if !sleepBackoff(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// runConnection starts one subscription goroutine per registration and
// blocks until ctx is canceled or any of them reports a transport error.
func (r *Runtime) runConnection(ctx context.Context, gw *enginepb.GatewayClient) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(r.registry))
	for _, reg := range r.registry {
		reg := reg
		go func() {
			errCh <- r.subscriptionLoop(runCtx, gw, reg)
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// subscriptionLoop holds one long-lived ActivateJobs stream open for a
// single task type, dispatching each incoming job onto a bounded pool of
// MaxConcurrent goroutines.
func (r *Runtime) subscriptionLoop(ctx context.Context, gw *enginepb.GatewayClient, reg Registration) error {
	req := &enginepb.ActivateJobsRequest{
		Type:              reg.TaskType,
		Worker:            r.workerName,
		Timeout:           reg.Timeout.Milliseconds(),
		MaxJobsToActivate: int32(reg.MaxConcurrent),
		RequestTimeout:    30000,
	}

	stream, err := gw.ActivateJobs(ctx, req)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, reg.MaxConcurrent)
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, activated := range resp.Jobs {
			job := fromActivated(activated)
			if reg.Before != nil {
				job = reg.Before(job)
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}

			go func(j Job) {
				defer func() { <-sem }()
				r.handle(ctx, gw, reg, j)
			}(job)
		}
	}
}

// handle invokes reg.Handler with a deadline derived from the job's
// timeout minus guardMargin, classifies the outcome, and reports it back
// to the engine via Complete/Fail/ThrowError.
func (r *Runtime) handle(ctx context.Context, gw *enginepb.GatewayClient, reg Registration, job Job) {
	timeout := reg.Timeout - guardMargin
	if timeout <= 0 {
		timeout = reg.Timeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vars, err := reg.Handler(handlerCtx, job)
	out := classify(vars, err, job.RetriesRemaining)

	if r.metrics != nil {
		r.metrics.JobOutcome(job.Type, outcomeLabel(out.kind))
	}

	switch out.kind {
	case outcomeCompleted:
		if _, cErr := gw.CompleteJob(ctx, &enginepb.CompleteJobRequest{JobKey: job.Key, Variables: out.variables}); cErr != nil {
			r.logger.Error("complete job failed", zap.Int64("jobKey", job.Key), zap.String("type", job.Type), zap.Error(cErr))
		}
	case outcomeFailed:
		r.logger.Warn("job failed, retrying", zap.Int64("jobKey", job.Key), zap.String("type", job.Type), zap.String("message", out.message))
		if _, fErr := gw.FailJob(ctx, &enginepb.FailJobRequest{
			JobKey:       job.Key,
			Retries:      job.RetriesRemaining - 1,
			ErrorMessage: out.message,
		}); fErr != nil {
			r.logger.Error("fail job failed", zap.Int64("jobKey", job.Key), zap.Error(fErr))
		}
	case outcomeBpmnError:
		r.logger.Error("job threw bpmn error", zap.Int64("jobKey", job.Key), zap.String("type", job.Type), zap.String("code", out.errorCode), zap.String("message", out.message))
		if _, tErr := gw.ThrowError(ctx, &enginepb.ThrowErrorRequest{
			JobKey:       job.Key,
			ErrorCode:    out.errorCode,
			ErrorMessage: out.message,
		}); tErr != nil {
			r.logger.Error("throw error failed", zap.Int64("jobKey", job.Key), zap.Error(tErr))
		}
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

// sleepBackoff waits for d or until ctx is canceled; returns false if
// canceled first.
func sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Package jobrunner bridges the synchronous request/response boundary to
// operations that take minutes. Each job runs on its own goroutine while the
// caller blocks on a single-result handoff bounded by an overall timeout.
package jobrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// State tracks a job through its ephemeral lifecycle. Jobs are never
// persisted; the state is discarded once the result is consumed.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Runner executes provisioning and bootstrap operations off the caller's
// control path.
type Runner struct {
	log *slog.Logger
}

// New creates a job runner logging through the given logger.
func New(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

type outcome[T any] struct {
	value T
	err   error
}

// Run executes op on an independent goroutine and blocks until it posts its
// single result or the timeout elapses, whichever comes first. A timeout
// yields a KindJobTimeout error, distinct from any operation-internal error.
// The operation receives a context cancelled at the same bound, so it can
// abandon polling loops and stage waits.
//
// Exactly one result is ever posted per invocation: every code path inside
// op terminates by returning success or failure, never both, never neither.
func Run[T any](ctx context.Context, r *Runner, name string, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	jobID := uuid.New().String()
	log := r.log.With("job", name, "job_id", jobID)
	log.Debug("Job queued", "state", StateQueued, "timeout", timeout)

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan outcome[T], 1)
	start := time.Now()
	go func() {
		value, err := op(opCtx)
		results <- outcome[T]{value: value, err: err}
	}()
	log.Debug("Job running", "state", StateRunning)

	select {
	case res := <-results:
		if res.err != nil {
			log.Error("Job failed", "state", StateFailed, "err", res.err,
				slog.Duration("duration", time.Since(start)))
			return res.value, res.err
		}
		log.Info("Job succeeded", "state", StateSucceeded,
			slog.Duration("duration", time.Since(start)))
		return res.value, nil

	case <-opCtx.Done():
		var zero T
		err := interfaces.NewPipelineError(interfaces.KindJobTimeout, name,
			fmt.Errorf("job %s exceeded %s bound: %w", jobID, timeout, opCtx.Err()))
		log.Error("Job timed out", "state", StateFailed, "err", err)
		return zero, err
	}
}

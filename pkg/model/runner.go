package model

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/infra-bed/fib-service/pkg/logger"
	"github.com/infra-bed/fib-service/pkg/metrics"
	"github.com/infra-bed/fib-service/pkg/tracing"
)

// Job is a unit of background work with a bounded run time.
type Job interface {
	Name() string
	Timeout() time.Duration
	Run(ctx context.Context)
}

type Runner interface {
	// Start runs job in the background and returns its execution id. The
	// execution can be cancelled through the runner's repo until it finishes.
	Start(ctx context.Context, job Job) string
}

func NewRunner(repo ExecutionRepoManager) Runner {
	if repo == nil {
		repo = ExecutionRepo
	}
	return &runnerImpl{repo: repo}
}

type runnerImpl struct {
	repo ExecutionRepoManager
}

func (r *runnerImpl) Start(ctx context.Context, job Job) string {
	timeout := job.Timeout()
	if timeout <= 0 {
		logger.Ctx(ctx).Warn().
			Str("job-name", job.Name()).
			Msg("job has no timeout, cancel it explicitly")
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	ctx, span := tracing.StartSpanWithAttributes(ctx, job.Name(), []attribute.KeyValue{
		attribute.String("job.name", job.Name()),
		attribute.Int64("job.timeout_ms", timeout.Milliseconds()),
	})

	execID := r.repo.Add(job, cancel)
	span.SetAttributes(attribute.String("job.execution_id", execID))

	metrics.JobsRunning.WithLabelValues(job.Name()).Inc()
	go func() {
		defer span.End()
		defer cancel()
		defer r.repo.Close(execID)
		defer metrics.JobsRunning.WithLabelValues(job.Name()).Dec()

		logger.Ctx(ctx).Info().
			Str("job-name", job.Name()).
			Str("execution-id", execID).
			Msg("job started")
		job.Run(ctx)
		logger.Ctx(ctx).Info().
			Str("job-name", job.Name()).
			Str("execution-id", execID).
			AnErr("ctx-err", ctx.Err()).
			Msg("job finished")
	}()

	return execID
}

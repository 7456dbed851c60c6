// Package worker implements the queue-polling harness that drives pipeline
// stages: reserve a job, run the handler under the job's trace, then commit,
// retry with backoff, or dead-letter according to the failure class.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/broker"
	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/job"
	"github.com/MrWong99/parley/internal/observe"
)

// Handler processes one job. Returning nil acks the job. A transient fault
// (see [fault.ClassOf]) nacks it for retry with backoff; any other failure
// dead-letters it immediately.
type Handler interface {
	Handle(ctx context.Context, env job.Envelope) error
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(ctx context.Context, env job.Envelope) error

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx context.Context, env job.Envelope) error {
	return f(ctx, env)
}

// Config parametrizes a [Pool].
type Config struct {
	// Queue is the queue this pool drains.
	Queue *broker.Queue

	// Handler processes reserved jobs.
	Handler Handler

	// Concurrency is the number of polling goroutines. Default: 1.
	Concurrency int

	// Visibility is the reservation timeout; a worker that dies mid-job loses
	// its reservation after this long and the job is re-delivered. Default: 2m.
	Visibility time.Duration

	// PollInterval is the sleep between reservations on an empty queue.
	// Default: 500ms.
	PollInterval time.Duration

	// RetryBase is the base delay for the exponential nack backoff
	// (base << attempt). Default: 1s.
	RetryBase time.Duration

	// DrainTimeout bounds how long in-flight handlers may run after shutdown
	// begins. Default: 25s — below the default visibility so a drained job is
	// not concurrently re-delivered.
	DrainTimeout time.Duration

	// Metrics receives job latency, result, and DLQ counters.
	Metrics *observe.Metrics

	// OnDLQ, when non-nil, is invoked after a job is dead-lettered. The app
	// uses it to mark the affected meeting failed.
	OnDLQ func(ctx context.Context, env job.Envelope, err error)
}

// Pool runs Config.Concurrency polling loops against one queue.
type Pool struct {
	cfg Config
	id  string
}

// NewPool validates cfg and applies defaults.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("worker: handler is required")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("worker: metrics are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 25 * time.Second
	}
	return &Pool{cfg: cfg, id: "w-" + uuid.NewString()[:8]}, nil
}

// Run polls until ctx is cancelled, then drains in-flight jobs up to the
// drain timeout. Always returns nil after a clean drain.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		env, err := p.cfg.Queue.Reserve(ctx, workerID, p.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observe.Logger(ctx).Error("reserve failed",
				"queue", p.cfg.Queue.Name(),
				"worker_id", workerID,
				"error", err)
			p.sleep(ctx)
			continue
		}
		if env == nil {
			p.sleep(ctx)
			continue
		}

		p.execute(ctx, workerID, *env)
	}
}

// execute runs the handler and commits the outcome. The handler context is
// detached from the polling context so that shutdown does not kill in-flight
// jobs; the drain timeout bounds them instead.
func (p *Pool) execute(ctx context.Context, workerID string, env job.Envelope) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DrainTimeout)
	defer cancel()
	jobCtx = observe.WithTrace(jobCtx, env.Trace)

	log := observe.Logger(jobCtx).With(
		"queue", env.Queue,
		"job_id", env.JobID,
		"meeting_id", env.MeetingID,
		"step", string(env.Step),
		"attempt", env.Attempt,
		"worker_id", workerID,
	)

	start := time.Now()
	err := p.cfg.Handler.Handle(jobCtx, env)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if ackErr := p.cfg.Queue.Ack(jobCtx, env.JobID); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
			return
		}
		p.cfg.Metrics.RecordJob(jobCtx, env.Queue, "ok", elapsed.Seconds())
		log.Info("job completed", "duration", elapsed)

	case fault.IsTransient(err):
		delay := retryDelay(p.cfg.RetryBase, env.Attempt)
		dlqed, nackErr := p.cfg.Queue.Nack(jobCtx, env.JobID, err.Error(), delay)
		if nackErr != nil {
			log.Error("nack failed", "error", nackErr)
			return
		}
		if dlqed {
			p.recordDLQ(jobCtx, env, err, elapsed)
			log.Error("job dead-lettered after exhausting retries", "error", err)
			return
		}
		p.cfg.Metrics.RecordJob(jobCtx, env.Queue, "retry", elapsed.Seconds())
		log.Warn("job failed, will retry", "error", err, "retry_delay", delay)

	default:
		if dlqErr := p.cfg.Queue.PushDLQ(jobCtx, env.JobID, err.Error()); dlqErr != nil {
			log.Error("dlq push failed", "error", dlqErr)
			return
		}
		p.recordDLQ(jobCtx, env, err, elapsed)
		log.Error("job dead-lettered", "class", fault.ClassOf(err).String(), "error", err)
	}
}

func (p *Pool) recordDLQ(ctx context.Context, env job.Envelope, err error, elapsed time.Duration) {
	p.cfg.Metrics.RecordJob(ctx, env.Queue, "dlq", elapsed.Seconds())
	p.cfg.Metrics.DLQJobs.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("queue", env.Queue),
		observe.Attr("code", fault.CodeOf(err)),
	))
	if p.cfg.OnDLQ != nil {
		p.cfg.OnDLQ(ctx, env, err)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// retryDelay doubles the base per attempt, capped at 5 minutes.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	d := base << uint(attempt)
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

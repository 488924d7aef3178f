package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/metrics"
	"github.com/tqlabs/tq/internal/queue"
	"github.com/tqlabs/tq/internal/schedule"
	"github.com/tqlabs/tq/internal/tracing"
)

const (
	// DefaultScheduledLatency is how long the scheduled worker sleeps between
	// due-scans of its queue.
	DefaultScheduledLatency = time.Second

	// DefaultFailedLatency is the slower cadence of the failed worker, which
	// watches a queue of jobs awaiting deferred retry.
	DefaultFailedLatency = 30 * time.Second
)

// ScheduledWorker polls one queue's scheduled set for due jobs, runs each one
// (fallback instead of primary when the run is late), and either moves it to
// its next due time or retires it.
//
// The due-scan is a read, not a claim: two scheduled workers on the same queue
// will double-process. Run one per queue.
type ScheduledWorker struct {
	*Worker

	queue   *queue.Queue
	latency time.Duration
}

// NewScheduled builds a scheduled worker over the first configured queue.
// A non-positive latency falls back to the default.
func NewScheduled(cfg Config, rdb redis.Cmdable, registry *job.Registry, logger *zap.Logger,
	m *metrics.Metrics, tracer *tracing.Tracer, latency time.Duration) *ScheduledWorker {

	if cfg.Name == "" {
		cfg.Name = "ScheduledWorker"
	}
	if latency <= 0 {
		latency = DefaultScheduledLatency
	}

	w := New(cfg, rdb, registry, logger, m, tracer)

	return &ScheduledWorker{
		Worker:  w,
		queue:   w.queues[0],
		latency: latency,
	}
}

// NewFailed builds the failed-queue variant: the same engine at a slower
// cadence, pointed at a queue holding jobs that need delayed retry.
func NewFailed(cfg Config, rdb redis.Cmdable, registry *job.Registry, logger *zap.Logger,
	m *metrics.Metrics, tracer *tracing.Tracer, latency time.Duration) *ScheduledWorker {

	if cfg.Name == "" {
		cfg.Name = "FailedWorker"
	}
	if latency <= 0 {
		latency = DefaultFailedLatency
	}

	return NewScheduled(cfg, rdb, registry, logger, m, tracer, latency)
}

// Run polls the scheduled set until a termination signal, sleeping latency
// between scans regardless of whether the last scan found work.
func (w *ScheduledWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel

	w.installSignals()
	w.logStart()
	defer w.setState(StateStopped)

	w.logger.Info("Listening for scheduled jobs",
		zap.String("queue", w.queue.Name()),
		zap.Duration("latency", w.latency),
	)

	for w.State() == StateRunning {
		if ctx.Err() != nil {
			break
		}
		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil || w.State() != StateRunning {
				break
			}
			return err
		}
		w.wait(ctx)
	}

	w.logger.Info("Worker stopped", zap.String("name", w.name))
	return nil
}

// poll runs one due-scan and processes every job it finds.
func (w *ScheduledWorker) poll(ctx context.Context) error {
	dueAt, ids, err := w.queue.GetScheduled(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	w.logger.Info("Found due jobs",
		zap.Int("count", len(ids)),
		zap.String("queue", w.queue.Name()),
	)

	for _, id := range ids {
		if err := w.process(ctx, id, dueAt); err != nil {
			return err
		}
	}

	return nil
}

// process executes one due job and decides its future: reschedulable jobs with
// a next run stay on the set at the new score, everything else is removed and
// the record left to expire. The next-run decision is independent of whether
// the run itself succeeded.
func (w *ScheduledWorker) process(ctx context.Context, id string, dueAt int64) error {
	j, err := job.Fetch(ctx, w.rdb, id)
	if err != nil {
		return err
	}
	if j == nil {
		// record already expired; drop the dangling member so the scan
		// stops returning it
		return w.queue.DeleteScheduled(ctx, nil, id)
	}

	runFallback := schedule.IsLate(j.ExecInfo.ScheduledAt, dueAt)
	if _, err := w.perform(ctx, j, runFallback); err != nil {
		return err
	}

	ok, err := j.Refresh(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return w.queue.DeleteScheduled(ctx, nil, id)
	}

	j.ExecInfo.RanAt = dueAt
	next, canRunAgain, err := schedule.NextRun(j.ExecInfo, time.Now().UTC())
	if err != nil {
		// malformed schedule metadata ends this job's scheduling cycle
		w.logger.Error("Cannot compute next run",
			zap.String("job_id", j.ID),
			zap.Error(err),
		)
		canRunAgain = false
	}

	tx := w.rdb.TxPipeline()

	if j.Reschedulable() && canRunAgain {
		if err := w.queue.RequeueScheduled(ctx, tx, j, next); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx); err != nil {
			return fmt.Errorf("failed to reschedule job %s: %w", j.ID, err)
		}

		w.metrics.ObserveReschedule()
		w.logger.Info("Job rescheduled",
			zap.String("job_id", j.ID),
			zap.Int64("next_run", next),
		)
		return nil
	}

	if err := w.queue.DeleteScheduled(ctx, tx, j.ID); err != nil {
		return err
	}
	if err := j.Expire(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retire job %s: %w", j.ID, err)
	}

	w.metrics.ObserveRetire()
	w.logger.Info("Job removed from queue", zap.String("job_id", j.ID))
	return nil
}

func (w *ScheduledWorker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.latency):
	}
}

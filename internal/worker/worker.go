// Package worker implements the processes that drain queues: the blocking
// FIFO worker plus the scheduled and failed variants polling the scheduled
// set. Workers coordinate only through the backing store; scaling out means
// running more worker processes, not more concurrency inside one.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/metrics"
	"github.com/tqlabs/tq/internal/queue"
	"github.com/tqlabs/tq/internal/tracing"
)

// State is the worker lifecycle: Running until a termination signal flips it
// to Stopping, Stopped once the loop has exited. There is no resumption.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Config holds construction parameters shared by all worker variants.
type Config struct {
	Queues []string
	Name   string
}

// Worker drains one or more immediate queues with a blocking multi-queue
// dequeue, executing each job in an isolated goroutine.
type Worker struct {
	rdb      redis.Cmdable
	queues   []*queue.Queue
	qnames   []string
	registry *job.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer

	name   string
	pid    int
	state  int32
	cancel context.CancelFunc
}

func New(cfg Config, rdb redis.Cmdable, registry *job.Registry, logger *zap.Logger,
	m *metrics.Metrics, tracer *tracing.Tracer) *Worker {

	if cfg.Name == "" {
		cfg.Name = "Worker"
	}

	queues := make([]*queue.Queue, len(cfg.Queues))
	for i, name := range cfg.Queues {
		queues[i] = queue.New(rdb, name)
	}

	return &Worker{
		rdb:      rdb,
		queues:   queues,
		qnames:   cfg.Queues,
		registry: registry,
		logger:   logger.With(zap.String("worker", cfg.Name)),
		metrics:  m,
		tracer:   tracer,
		name:     cfg.Name,
		pid:      os.Getpid(),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(atomic.LoadInt32(&w.state))
}

func (w *Worker) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
}

// Stop flips the worker to Stopping and aborts the blocked dequeue. Calling it
// again is a no-op, so repeated termination signals are harmless.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapInt32(&w.state, int32(StateRunning), int32(StateStopping)) {
		return
	}

	w.logger.Info("Shutting down worker",
		zap.String("name", w.name),
		zap.Int("pid", w.pid),
	)

	if w.cancel != nil {
		w.cancel()
	}
}

// installSignals routes SIGINT/SIGTERM to Stop. The state flips inside the
// handler, before any further dequeue can happen.
func (w *Worker) installSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for range ch {
			w.Stop()
		}
	}()
}

func (w *Worker) logStart() {
	w.logger.Info("Worker started",
		zap.String("name", w.name),
		zap.Int("pid", w.pid),
		zap.Strings("queues", w.qnames),
	)
}

// Run executes the main loop until a termination signal: block-dequeue one job
// across all configured queues, execute it in isolation, log the outcome,
// loop. Stop aborts only the blocked dequeue; a job already being performed
// completes and records its result before the loop exits. Store failures are
// not caught; they propagate and crash the process so a supervisor can restart
// it.
func (w *Worker) Run(ctx context.Context) error {
	dequeueCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel

	w.installSignals()
	w.logStart()
	defer w.setState(StateStopped)

	for w.State() == StateRunning {
		j, err := queue.DequeueAny(dequeueCtx, w.rdb, w.queues)
		if err != nil {
			if dequeueCtx.Err() != nil || w.State() != StateRunning {
				break
			}
			return err
		}
		if j == nil {
			// popped id whose record is gone, nothing to do
			continue
		}

		if _, err := w.perform(ctx, j, false); err != nil {
			return err
		}
	}

	w.logger.Info("Worker stopped", zap.String("name", w.name))
	return nil
}

type outcome struct {
	ok  bool
	err error
}

// perform runs the job in an isolated goroutine and blocks until it finishes.
// A panic inside the job is recovered there and reported as a failed run, so a
// misbehaving job cannot take the poll loop down with it.
func (w *Worker) perform(ctx context.Context, j *job.Job, runFallback bool) (bool, error) {
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Job crashed",
					zap.String("job_id", j.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				w.metrics.ObserveJob("failed", 0)
				done <- outcome{ok: false}
			}
		}()

		ok, err := w.performJob(ctx, j, runFallback)
		done <- outcome{ok: ok, err: err}
	}()

	res := <-done
	return res.ok, res.err
}

// performJob invokes the job's callable and, on success, marks it Finished and
// persists status and result in one transaction. On execution failure the
// record stays Queued for manual or scheduled follow-up and false is returned;
// only store errors surface as the error value.
func (w *Worker) performJob(ctx context.Context, j *job.Job, runFallback bool) (bool, error) {
	ctx, span := w.tracer.StartSpan(ctx, "job.perform",
		attribute.String("job.id", j.ID),
		attribute.String("job.method", j.Method),
		attribute.Bool("job.fallback", runFallback),
	)
	defer span.End()

	w.logger.Info("Performing job",
		zap.String("job_id", j.ID),
		zap.String("method", j.Method),
		zap.Bool("fallback", runFallback),
	)

	started := time.Now()

	if err := j.Perform(ctx, w.registry, runFallback); err != nil {
		w.metrics.ObserveJob("failed", time.Since(started))
		w.logger.Error("Failed to perform job",
			zap.String("job_id", j.ID),
			zap.Error(err),
		)
		return false, nil
	}

	tx := w.rdb.TxPipeline()
	if err := j.SetStatus(ctx, job.StatusFinished, tx); err != nil {
		return false, err
	}
	if err := j.Save(ctx, tx); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record completion of job %s: %w", j.ID, err)
	}

	took := time.Since(started)
	w.metrics.ObserveJob("finished", took)
	w.logger.Info("Job performed successfully",
		zap.String("job_id", j.ID),
		zap.Duration("took", took),
	)

	return true, nil
}

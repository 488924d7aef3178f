package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/queue"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return mr, rdb
}

func testWorker(t *testing.T, rdb redis.Cmdable, registry *job.Registry) *Worker {
	t.Helper()
	return New(Config{Queues: []string{"main"}}, rdb, registry, zap.NewNop(), nil, nil)
}

func testScheduledWorker(t *testing.T, rdb redis.Cmdable, registry *job.Registry) *ScheduledWorker {
	t.Helper()
	return NewScheduled(Config{Queues: []string{"main"}}, rdb, registry, zap.NewNop(), nil, nil, time.Second)
}

func TestPerformJobSuccess(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("work",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return "done", nil
		}))

	w := testWorker(t, rdb, registry)

	j := job.New(rdb, "work", nil, nil, "", nil, nil)
	require.NoError(t, j.SetStatus(ctx, job.StatusQueued, nil))
	require.NoError(t, j.Save(ctx, nil))

	ok, err := w.performJob(ctx, j, false)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := job.Fetch(ctx, rdb, j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, job.StatusFinished, stored.Status())

	result, err := stored.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(result))
}

func TestPerformJobFailureKeepsJobQueued(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("boom",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, assert.AnError
		}))

	w := testWorker(t, rdb, registry)

	j := job.New(rdb, "boom", nil, nil, "", nil, nil)
	require.NoError(t, j.SetStatus(ctx, job.StatusQueued, nil))
	require.NoError(t, j.Save(ctx, nil))

	ok, err := w.performJob(ctx, j, false)
	require.NoError(t, err, "execution failures do not surface as errors")
	assert.False(t, ok)

	stored, err := job.Fetch(ctx, rdb, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status())
}

func TestPerformIsolatesPanic(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("crash",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			panic("job blew up")
		}))

	w := testWorker(t, rdb, registry)

	j := job.New(rdb, "crash", nil, nil, "", nil, nil)
	require.NoError(t, j.Save(ctx, nil))

	ok, err := w.perform(ctx, j, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessRunsFallbackWhenLate(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	var primaryRan, fallbackRan atomic.Bool

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("primary",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			primaryRan.Store(true)
			return nil, nil
		}))
	require.NoError(t, registry.RegisterFunc("fallback",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			fallbackRan.Store(true)
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	due := time.Now().UTC().Unix() - 400
	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "primary", nil, nil,
		&job.ExecInfo{ScheduledAt: due}, "fallback", nil)
	require.NoError(t, err)

	require.NoError(t, sw.process(ctx, j.ID, due+400))

	assert.True(t, fallbackRan.Load())
	assert.False(t, primaryRan.Load())
}

func TestProcessRunsPrimaryOnTime(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	var primaryRan, fallbackRan atomic.Bool

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("primary",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			primaryRan.Store(true)
			return nil, nil
		}))
	require.NoError(t, registry.RegisterFunc("fallback",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			fallbackRan.Store(true)
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	due := time.Now().UTC().Unix() - 10
	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "primary", nil, nil,
		&job.ExecInfo{ScheduledAt: due}, "fallback", nil)
	require.NoError(t, err)

	require.NoError(t, sw.process(ctx, j.ID, due+10))

	assert.True(t, primaryRan.Load())
	assert.False(t, fallbackRan.Load())
}

func TestProcessReschedulesHourlyJob(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("tick",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	due := time.Now().UTC().Unix() - 10
	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "tick", nil, nil,
		&job.ExecInfo{ScheduledAt: due, EveryHour: 2}, "", nil)
	require.NoError(t, err)

	dueAt := due + 10
	require.NoError(t, sw.process(ctx, j.ID, dueAt))

	score, err := rdb.ZScore(ctx, q.Key(), j.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(due+2*3600), score)

	stored, err := job.Fetch(ctx, rdb, j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, due+2*3600, stored.ExecInfo.ScheduledAt)
	assert.Equal(t, dueAt, stored.ExecInfo.RanAt)
}

func TestProcessCatchesUpAfterOutage(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("tick",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	// worker comes back 3h10m after the due time of a 2h job
	due := time.Now().UTC().Unix() - (3*3600 + 600)
	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "tick", nil, nil,
		&job.ExecInfo{ScheduledAt: due, EveryHour: 2}, "", nil)
	require.NoError(t, err)

	require.NoError(t, sw.process(ctx, j.ID, due+3*3600+600))

	score, err := rdb.ZScore(ctx, q.Key(), j.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(due+4*3600), score)
}

func TestProcessRetiresOneShotJob(t *testing.T) {
	mr, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("once",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "once", nil, nil, &job.ExecInfo{
		Date:      "01/02/2020",
		Timeslots: []string{"09:00"},
		Timezone:  "UTC",
	}, "", nil)
	require.NoError(t, err)

	require.NoError(t, sw.process(ctx, j.ID, time.Now().UTC().Unix()))

	_, err = rdb.ZScore(ctx, q.Key(), j.ID).Result()
	assert.Equal(t, redis.Nil, err, "retired member leaves the scheduled set")
	assert.Equal(t, job.TTL, mr.TTL(j.ID), "record left to expire")
}

func TestProcessRetiresJobWithBrokenSchedule(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("tick",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}))

	sw := testScheduledWorker(t, rdb, registry)

	due := time.Now().UTC().Unix() - 10
	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "tick", nil, nil, &job.ExecInfo{
		ScheduledAt: due,
		Days:        []int{0, 2},
		Timeslots:   []string{"09:00"},
	}, "", nil)
	require.NoError(t, err)

	// no timezone: the next run cannot be computed and the job is retired
	// instead of crashing the worker
	require.NoError(t, sw.process(ctx, j.ID, due+10))

	_, err = rdb.ZScore(ctx, q.Key(), j.ID).Result()
	assert.Equal(t, redis.Nil, err)
}

func TestProcessDropsDanglingMember(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	sw := testScheduledWorker(t, rdb, registry)

	q := queue.New(rdb, "main")
	require.NoError(t, rdb.ZAdd(ctx, q.Key(), &redis.Z{Score: 1, Member: "expired-id"}).Err())

	require.NoError(t, sw.process(ctx, "expired-id", time.Now().UTC().Unix()))

	_, err := rdb.ZScore(ctx, q.Key(), "expired-id").Result()
	assert.Equal(t, redis.Nil, err)
}

func TestStopIsIdempotent(t *testing.T) {
	_, rdb := testRedis(t)

	w := testWorker(t, rdb, job.NewRegistry(zap.NewNop()))

	w.Stop()
	w.Stop()

	assert.Equal(t, StateStopping, w.State())
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	_, rdb := testRedis(t)

	w := testWorker(t, rdb, job.NewRegistry(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, StateStopped, w.State())
}

func TestRunDrainsThenStops(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	registry := job.NewRegistry(zap.NewNop())
	w := testWorker(t, rdb, registry)

	var ran atomic.Bool
	require.NoError(t, registry.RegisterFunc("last",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			ran.Store(true)
			w.Stop()
			return nil, nil
		}))

	q := queue.New(rdb, "main")
	j, err := q.Enqueue(ctx, "last", nil, nil, nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, w.Run(ctx))

	assert.True(t, ran.Load())
	assert.Equal(t, StateStopped, w.State())

	stored, err := job.Fetch(ctx, rdb, j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, job.StatusFinished, stored.Status())
}

func TestScheduledRunStopsWhenContextCanceled(t *testing.T) {
	_, rdb := testRedis(t)

	sw := testScheduledWorker(t, rdb, job.NewRegistry(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled worker did not stop")
	}
}

// Package queue mediates access to a named job queue in Redis. One logical
// queue owns two structures under the same key: a FIFO list of immediate job
// ids and a sorted set of scheduled job ids scored by their due time in UTC
// epoch seconds.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/schedule"
)

const keyPrefix = "queue:"

// Queue is a named channel over the backing store.
type Queue struct {
	rdb  redis.Cmdable
	name string
	key  string
}

func New(rdb redis.Cmdable, name string) *Queue {
	return &Queue{
		rdb:  rdb,
		name: name,
		key:  keyPrefix + name,
	}
}

// Name returns the logical queue name.
func (q *Queue) Name() string { return q.name }

// Key returns the store key backing both queue structures.
func (q *Queue) Key() string { return q.key }

// Enqueue builds a job record and persists it together with its queue entry in
// a single transaction. Schedule metadata without an explicit due time gets its
// first run computed here; hourly-only schedules must carry one already.
func (q *Queue) Enqueue(ctx context.Context, method string, args []any, kwargs map[string]any,
	execInfo *job.ExecInfo, fallback string, fbInfo *job.ExecInfo) (*job.Job, error) {

	j := job.New(q.rdb, method, args, kwargs, fallback, execInfo, fbInfo)

	info := j.ExecInfo
	if info.ScheduledAt == 0 && (info.Date != "" || len(info.Days) > 0) {
		scheduledAt, err := schedule.FirstRun(info, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to schedule job: %w", err)
		}
		info.ScheduledAt = scheduledAt
	}

	tx := q.rdb.TxPipeline()

	if j.Scheduled() {
		tx.ZAdd(ctx, q.key, &redis.Z{
			Score:  float64(info.ScheduledAt),
			Member: j.ID,
		})
	} else {
		tx.RPush(ctx, q.key, j.ID)
	}

	if err := j.SetStatus(ctx, job.StatusQueued, tx); err != nil {
		return nil, err
	}
	if err := j.Save(ctx, tx); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}

	return j, nil
}

// DequeueAny blocks until any of the given queues' immediate lists has an
// entry, pops exactly one, and fetches the corresponding record. The pop is
// atomic across workers; blocking is indefinite and aborts only through ctx.
// A popped id whose record has already expired yields (nil, nil).
func DequeueAny(ctx context.Context, rdb redis.Cmdable, queues []*Queue) (*job.Job, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = q.key
	}

	values, err := rdb.BLPop(ctx, 0, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d values", len(values))
	}

	return job.Fetch(ctx, rdb, values[1])
}

// GetScheduled returns the scan timestamp and the ids of every scheduled-set
// member due at or before it. This is a read, not a claim: members stay in the
// set, and two scheduled workers polling the same queue can both see a due
// job. Run at most one scheduled or failed worker per queue unless execution
// is idempotent.
func (q *Queue) GetScheduled(ctx context.Context) (int64, []string, error) {
	now := time.Now().UTC().Unix()

	ids, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan scheduled jobs: %w", err)
	}

	return now, ids, nil
}

// RequeueScheduled moves the job's scheduled-set score to its next due time
// and persists the updated record, composed on the caller's transaction.
func (q *Queue) RequeueScheduled(ctx context.Context, tx redis.Cmdable, j *job.Job, next int64) error {
	tx.ZAdd(ctx, q.key, &redis.Z{
		Score:  float64(next),
		Member: j.ID,
	})

	j.ExecInfo.ScheduledAt = next

	return j.Save(ctx, tx)
}

// DeleteScheduled removes a member from the scheduled set. A nil tx runs the
// removal directly.
func (q *Queue) DeleteScheduled(ctx context.Context, tx redis.Cmdable, id string) error {
	conn := tx
	if conn == nil {
		conn = q.rdb
	}

	if err := conn.ZRem(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("failed to remove scheduled job %s: %w", id, err)
	}

	return nil
}

// Size returns the depth of the immediate list.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	size, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return size, nil
}

// ScheduledSize returns the number of members in the scheduled set.
func (q *Queue) ScheduledSize(ctx context.Context) (int64, error) {
	size, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get scheduled queue size: %w", err)
	}
	return size, nil
}

// Stats reports the queue's depth. Redis types the shared key by whichever
// shape was written first, so the counts are read behind a TYPE check instead
// of probing both structures.
func (q *Queue) Stats(ctx context.Context) (immediate, scheduled int64, err error) {
	kind, err := q.rdb.Type(ctx, q.key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to inspect queue %s: %w", q.name, err)
	}

	switch kind {
	case "list":
		immediate, err = q.Size(ctx)
	case "zset":
		scheduled, err = q.ScheduledSize(ctx)
	}

	return immediate, scheduled, err
}

// Health checks that the backing store is reachable.
func (q *Queue) Health(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

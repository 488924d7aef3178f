package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// TTL is how long a retired job record stays queryable before Redis drops it.
const TTL = 5 * time.Hour

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusFinished Status = "finished"
)

// ExecInfo carries the scheduling metadata of a job. A job with a zero
// ScheduledAt is immediate and lives on the queue's FIFO list; anything else
// lives on the scheduled set with ScheduledAt as its score.
type ExecInfo struct {
	ScheduledAt int64    `json:"scheduled_at,omitempty"` // due time, UTC epoch seconds
	Date        string   `json:"date,omitempty"`         // one-shot calendar date, MM/DD/YYYY
	Days        []int    `json:"days,omitempty"`         // weekday indices, Monday=0
	Timeslots   []string `json:"timeslots,omitempty"`    // times of day, HH:MM or HH:MM:SS
	Timezone    string   `json:"timezone,omitempty"`     // IANA zone name
	EveryHour   int      `json:"every_hour,omitempty"`   // hourly interval count
	RanAt       int64    `json:"ran_at,omitempty"`       // last execution, UTC epoch seconds
}

// Job is the persisted unit of deferred work. Method and Fallback are opaque
// references resolved through a Registry at execution time; the record itself
// never interprets them.
type Job struct {
	ID       string
	Method   string
	Fallback string
	Args     []any
	Kwargs   map[string]any
	ExecInfo *ExecInfo
	FbInfo   *ExecInfo

	result json.RawMessage
	status Status
	rdb    redis.Cmdable
}

// payload is the opaque data blob stored under the "data" hash field.
type payload struct {
	Method   string         `json:"method"`
	Fallback string         `json:"fallback,omitempty"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	ExecInfo *ExecInfo      `json:"exec_info"`
	FbInfo   *ExecInfo      `json:"fb_info"`
}

// New builds a fresh job record with a new identifier. Nothing is persisted
// until Save.
func New(rdb redis.Cmdable, method string, args []any, kwargs map[string]any,
	fallback string, execInfo, fbInfo *ExecInfo) *Job {

	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if execInfo == nil {
		execInfo = &ExecInfo{}
	}
	if fbInfo == nil {
		fbInfo = &ExecInfo{}
	}

	return &Job{
		ID:       uuid.NewString(),
		Method:   method,
		Fallback: fallback,
		Args:     args,
		Kwargs:   kwargs,
		ExecInfo: execInfo,
		FbInfo:   fbInfo,
		rdb:      rdb,
	}
}

// Fetch loads a record by identifier. A missing record yields (nil, nil).
func Fetch(ctx context.Context, rdb redis.Cmdable, id string) (*Job, error) {
	j := &Job{ID: id, rdb: rdb}

	ok, err := j.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return j, nil
}

// Refresh reloads the mutable portions of the record from the store,
// overwriting in-memory state. Returns false when the record no longer exists.
func (j *Job) Refresh(ctx context.Context) (bool, error) {
	fields, err := j.rdb.HGetAll(ctx, j.ID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to load job %s: %w", j.ID, err)
	}
	if len(fields) == 0 {
		return false, nil
	}

	var data payload
	if err := json.Unmarshal([]byte(fields["data"]), &data); err != nil {
		return false, fmt.Errorf("failed to decode job %s data: %w", j.ID, err)
	}

	j.Method = data.Method
	j.Fallback = data.Fallback
	j.Args = data.Args
	j.Kwargs = data.Kwargs
	j.ExecInfo = data.ExecInfo
	j.FbInfo = data.FbInfo
	if j.ExecInfo == nil {
		j.ExecInfo = &ExecInfo{}
	}
	if j.FbInfo == nil {
		j.FbInfo = &ExecInfo{}
	}

	j.result = json.RawMessage(fields["result"])

	var status Status
	if err := json.Unmarshal([]byte(fields["state"]), &status); err != nil {
		return false, fmt.Errorf("failed to decode job %s state: %w", j.ID, err)
	}
	j.status = status

	return true, nil
}

// Save writes the whole record as one hash write. When tx is nil the job's own
// connection is used; otherwise the write is queued on the caller's pipeline.
func (j *Job) Save(ctx context.Context, tx redis.Cmdable) error {
	data, err := json.Marshal(payload{
		Method:   j.Method,
		Fallback: j.Fallback,
		Args:     j.Args,
		Kwargs:   j.Kwargs,
		ExecInfo: j.ExecInfo,
		FbInfo:   j.FbInfo,
	})
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", j.ID, err)
	}

	result := j.result
	if result == nil {
		result = json.RawMessage("null")
	}
	state, err := json.Marshal(j.status)
	if err != nil {
		return fmt.Errorf("failed to encode job %s state: %w", j.ID, err)
	}

	conn := j.conn(tx)
	if err := conn.HSet(ctx, j.ID, map[string]interface{}{
		"id":     j.ID,
		"data":   string(data),
		"result": string(result),
		"state":  string(state),
	}).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}

	return nil
}

// Perform runs the fallback callable when runFallback is set and a fallback
// exists, the primary otherwise. The returned value is cached as the result;
// any failure from the callable propagates to the caller uncaught.
func (j *Job) Perform(ctx context.Context, registry *Registry, runFallback bool) error {
	method := j.Method
	if runFallback && j.Fallback != "" {
		method = j.Fallback
	}

	handler, err := registry.Resolve(method)
	if err != nil {
		return err
	}

	out, err := handler.Run(ctx, j.Args, j.Kwargs)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", j.ID, err)
	}
	j.result = raw

	return nil
}

// SetStatus writes the status field, composable on a caller pipeline.
func (j *Job) SetStatus(ctx context.Context, status Status, tx redis.Cmdable) error {
	state, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode job %s state: %w", j.ID, err)
	}

	if err := j.conn(tx).HSet(ctx, j.ID, "state", string(state)).Err(); err != nil {
		return fmt.Errorf("failed to set job %s status: %w", j.ID, err)
	}
	j.status = status

	return nil
}

// Expire sets the bounded retention TTL on the record.
func (j *Job) Expire(ctx context.Context, tx redis.Cmdable) error {
	if err := j.conn(tx).Expire(ctx, j.ID, TTL).Err(); err != nil {
		return fmt.Errorf("failed to expire job %s: %w", j.ID, err)
	}
	return nil
}

// Delete removes the record from the store.
func (j *Job) Delete(ctx context.Context, tx redis.Cmdable) error {
	if err := j.conn(tx).Del(ctx, j.ID).Err(); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", j.ID, err)
	}
	return nil
}

// Result returns the last run's value, loading it from the store when not
// cached locally.
func (j *Job) Result(ctx context.Context) (json.RawMessage, error) {
	if j.result != nil {
		return j.result, nil
	}

	raw, err := j.rdb.HGet(ctx, j.ID, "result").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result of job %s: %w", j.ID, err)
	}

	j.result = json.RawMessage(raw)
	return j.result, nil
}

// Status returns the in-memory status.
func (j *Job) Status() Status {
	return j.status
}

// Scheduled reports whether the record belongs on the scheduled set rather
// than the FIFO list.
func (j *Job) Scheduled() bool {
	return j.ExecInfo.ScheduledAt != 0
}

// Reschedulable reports whether the schedule metadata implies recurrence: an
// hourly interval, more than one weekday, or more than one timeslot. A single
// fixed instant is not reschedulable.
func (j *Job) Reschedulable() bool {
	if j.ExecInfo.EveryHour > 0 {
		return true
	}
	return len(j.ExecInfo.Days) > 1 || len(j.ExecInfo.Timeslots) > 1
}

func (j *Job) conn(tx redis.Cmdable) redis.Cmdable {
	if tx != nil {
		return tx
	}
	return j.rdb
}

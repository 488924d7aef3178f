package server

import (
	"encoding/json"

	"github.com/tqlabs/tq/internal/job"
)

// EnqueueRequest is the producer-side job submission body. Schedule metadata
// is optional; without it the job goes on the queue's immediate list.
type EnqueueRequest struct {
	Queue        string        `json:"queue"`
	Method       string        `json:"method" binding:"required"`
	Args         []any         `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
	Fallback     string        `json:"fallback,omitempty"`
	ExecInfo     *job.ExecInfo `json:"exec_info,omitempty"`
	FallbackInfo *job.ExecInfo `json:"fallback_info,omitempty"`
}

// EnqueueResponse reports the persisted job's identity and placement.
type EnqueueResponse struct {
	JobID       string `json:"job_id"`
	Queue       string `json:"queue"`
	Status      string `json:"status"`
	ScheduledAt int64  `json:"scheduled_at,omitempty"`
}

// JobResponse is the record lookup view.
type JobResponse struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Fallback string          `json:"fallback,omitempty"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result"`
	ExecInfo *job.ExecInfo   `json:"exec_info"`
}

// QueueStatsResponse reports a queue's depth by shape.
type QueueStatsResponse struct {
	Queue     string `json:"queue"`
	Immediate int64  `json:"immediate"`
	Scheduled int64  `json:"scheduled"`
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/config"
	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/queue"
)

func testServer(t *testing.T) (*Server, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry := job.NewRegistry(zap.NewNop())
	require.NoError(t, registry.RegisterFunc("email.send",
		func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		}))

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080, Host: "localhost"},
		Log:    config.LogConfig{Level: "info"},
	}

	return New(cfg, rdb, registry, zap.NewNop(), nil, nil), rdb
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestEnqueueImmediateJob(t *testing.T) {
	s, rdb := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/jobs", EnqueueRequest{
		Method: "email.send",
		Kwargs: map[string]any{"to": "a@b.c"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "main", resp.Queue, "empty queue name falls back to the default")
	assert.Equal(t, "queued", resp.Status)
	assert.Zero(t, resp.ScheduledAt)

	ids, err := rdb.LRange(context.Background(), "queue:main", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{resp.JobID}, ids)
}

func TestEnqueueScheduledJob(t *testing.T) {
	s, rdb := testServer(t)

	due := time.Now().UTC().Add(time.Hour).Unix()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/jobs", EnqueueRequest{
		Queue:  "reports",
		Method: "email.send",
		ExecInfo: &job.ExecInfo{
			ScheduledAt: due,
			EveryHour:   2,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, due, resp.ScheduledAt)

	score, err := rdb.ZScore(context.Background(), "queue:reports", resp.JobID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(due), score)
}

func TestEnqueueRejectsUnknownMethod(t *testing.T) {
	s, _ := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/jobs", EnqueueRequest{
		Method: "no.such.method",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueRejectsMissingMethod(t *testing.T) {
	s, _ := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/jobs", EnqueueRequest{
		Queue: "main",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob(t *testing.T) {
	s, rdb := testServer(t)

	q := queue.New(rdb, "main")
	j, err := q.Enqueue(context.Background(), "email.send", nil,
		map[string]any{"to": "a@b.c"}, nil, "", nil)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, j.ID, resp.ID)
	assert.Equal(t, "email.send", resp.Method)
	assert.Equal(t, "queued", resp.Status)
}

func TestGetJobNotFound(t *testing.T) {
	s, _ := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats(t *testing.T) {
	s, rdb := testServer(t)

	q := queue.New(rdb, "main")
	_, err := q.Enqueue(context.Background(), "email.send", nil, nil, nil, "", nil)
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/queues/main/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "main", resp.Queue)
	assert.Equal(t, int64(1), resp.Immediate)
	assert.Equal(t, int64(0), resp.Scheduled)
}

func TestListMethods(t *testing.T) {
	s, _ := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/methods", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"email.send"}, resp.Methods)
}

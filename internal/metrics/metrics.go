package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus instruments for the queue. A nil *Metrics is a
// valid no-op receiver so components can run without instrumentation.
type Metrics struct {
	jobsEnqueued    *prometheus.CounterVec
	jobsPerformed   *prometheus.CounterVec
	jobsRescheduled prometheus.Counter
	jobsRetired     prometheus.Counter
	jobDuration     prometheus.Histogram
	apiRequests     *prometheus.CounterVec

	logger *zap.Logger
	server *http.Server
}

// New creates and registers all instruments on the default registry.
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger,

		jobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tq_jobs_enqueued_total",
			Help: "Jobs added to a queue",
		}, []string{"queue", "kind"}),

		jobsPerformed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tq_jobs_performed_total",
			Help: "Job executions by outcome",
		}, []string{"outcome"}),

		jobsRescheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tq_jobs_rescheduled_total",
			Help: "Recurring jobs moved to their next due time",
		}),

		jobsRetired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tq_jobs_retired_total",
			Help: "Scheduled jobs removed after their final run",
		}),

		jobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tq_job_duration_seconds",
			Help:    "Wall time of job executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		apiRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tq_api_requests_total",
			Help: "API requests by method, path and status",
		}, []string{"method", "path", "status"}),
	}
}

// ObserveEnqueue counts a job landing on a queue. kind is "immediate" or
// "scheduled".
func (m *Metrics) ObserveEnqueue(queue, kind string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(queue, kind).Inc()
}

// ObserveJob records one execution with its outcome and duration.
func (m *Metrics) ObserveJob(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsPerformed.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveReschedule() {
	if m == nil {
		return
	}
	m.jobsRescheduled.Inc()
}

func (m *Metrics) ObserveRetire() {
	if m == nil {
		return
	}
	m.jobsRetired.Inc()
}

// ObserveAPIRequest counts one handled API request.
func (m *Metrics) ObserveAPIRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, path, status).Inc()
}

// Handler exposes the default registry, for mounting on an existing router.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a standalone /metrics endpoint until Shutdown.
func (m *Metrics) Serve(addr string) error {
	if m == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{Addr: addr, Handler: mux}

	m.logger.Info("Serving metrics", zap.String("addr", addr))

	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the standalone metrics server if one is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

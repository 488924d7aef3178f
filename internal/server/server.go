// Package server exposes the producer HTTP API: enqueue jobs, look up
// records, inspect queue depth. Workers are separate processes; this surface
// only feeds the store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/config"
	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/metrics"
	"github.com/tqlabs/tq/internal/queue"
	"github.com/tqlabs/tq/internal/tracing"
)

const defaultQueue = "main"

type Server struct {
	config   *config.Config
	rdb      redis.Cmdable
	registry *job.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	router   *gin.Engine
	server   *http.Server
}

func New(cfg *config.Config, rdb redis.Cmdable, registry *job.Registry, logger *zap.Logger,
	m *metrics.Metrics, tracer *tracing.Tracer) *Server {

	s := &Server{
		config:   cfg,
		rdb:      rdb,
		registry: registry,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
	}

	s.setupRouter()
	s.setupServer()

	return s
}

func (s *Server) setupRouter() {
	if s.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.tracingMiddleware())

	s.router.GET("/health", s.healthHandler)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/jobs", s.enqueueJobHandler)
		v1.GET("/jobs/:id", s.getJobHandler)
		v1.GET("/queues/:name/stats", s.queueStatsHandler)
		v1.GET("/methods", s.listMethodsHandler)
	}
}

func (s *Server) setupServer() {
	s.server = &http.Server{
		Addr:         s.config.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until Stop.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server gracefully: %w", err)
	}

	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	q := queue.New(s.rdb, defaultQueue)

	if err := q.Health(c.Request.Context()); err != nil {
		s.logger.Error("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) enqueueJobHandler(c *gin.Context) {
	var request EnqueueRequest

	if err := c.ShouldBindJSON(&request); err != nil {
		s.logger.Error("Invalid job request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	if _, err := s.registry.Resolve(request.Method); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Unsupported method",
			"details": fmt.Sprintf("Method '%s' is not registered", request.Method),
		})
		return
	}

	name := request.Queue
	if name == "" {
		name = defaultQueue
	}

	q := queue.New(s.rdb, name)
	j, err := q.Enqueue(c.Request.Context(), request.Method, request.Args, request.Kwargs,
		request.ExecInfo, request.Fallback, request.FallbackInfo)
	if err != nil {
		s.logger.Error("Failed to enqueue job",
			zap.String("queue", name),
			zap.String("method", request.Method),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to enqueue job",
			"details": err.Error(),
		})
		return
	}

	kind := "immediate"
	if j.Scheduled() {
		kind = "scheduled"
	}
	s.metrics.ObserveEnqueue(name, kind)

	s.logger.Info("Job enqueued",
		zap.String("job_id", j.ID),
		zap.String("queue", name),
		zap.String("method", j.Method),
		zap.Int64("scheduled_at", j.ExecInfo.ScheduledAt),
	)

	c.JSON(http.StatusCreated, EnqueueResponse{
		JobID:       j.ID,
		Queue:       name,
		Status:      string(job.StatusQueued),
		ScheduledAt: j.ExecInfo.ScheduledAt,
	})
}

func (s *Server) getJobHandler(c *gin.Context) {
	id := c.Param("id")

	j, err := job.Fetch(c.Request.Context(), s.rdb, id)
	if err != nil {
		s.logger.Error("Failed to fetch job", zap.String("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch job"})
		return
	}
	if j == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	result, err := j.Result(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to fetch job result", zap.String("job_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch job"})
		return
	}

	c.JSON(http.StatusOK, JobResponse{
		ID:       j.ID,
		Method:   j.Method,
		Fallback: j.Fallback,
		Status:   string(j.Status()),
		Result:   result,
		ExecInfo: j.ExecInfo,
	})
}

func (s *Server) queueStatsHandler(c *gin.Context) {
	name := c.Param("name")
	q := queue.New(s.rdb, name)

	immediate, scheduled, err := q.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to get queue stats", zap.String("queue", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue statistics"})
		return
	}

	c.JSON(http.StatusOK, QueueStatsResponse{
		Queue:     name,
		Immediate: immediate,
		Scheduled: scheduled,
	})
}

func (s *Server) listMethodsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": s.registry.Methods()})
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		method := c.Request.Method
		statusCode := c.Writer.Status()

		s.metrics.ObserveAPIRequest(method, path, strconv.Itoa(statusCode))

		if raw != "" {
			path = path + "?" + raw
		}

		// health probes only show up when they fail
		if path == "/health" && statusCode == http.StatusOK {
			return
		}

		s.logger.Info("API request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", statusCode),
			zap.Duration("latency", duration),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := s.tracer.StartSpan(c.Request.Context(),
			fmt.Sprintf("HTTP %s %s", c.Request.Method, c.FullPath()))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

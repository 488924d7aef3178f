package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/config"
	"github.com/tqlabs/tq/internal/metrics"
	"github.com/tqlabs/tq/internal/queue"
	"github.com/tqlabs/tq/internal/tracing"
	"github.com/tqlabs/tq/internal/worker"

	"github.com/tqlabs/tq/examples/handlers"
)

const defaultQueues = "main"

func main() {
	var (
		queues    string
		scheduled bool
		failed    bool
	)

	rootCmd := &cobra.Command{
		Use:   "tq-worker",
		Short: "Run a tq worker against one or more queues",
		Long: `Runs a queue worker until it receives a termination signal.

By default the worker block-dequeues immediate jobs from the given queues.
With --scheduled or --failed it instead polls the first queue's scheduled
set for due jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(strings.Split(queues, ","), scheduled, failed)
		},
	}

	rootCmd.Flags().StringVarP(&queues, "queues", "q", defaultQueues,
		"Queues for the worker, separated by commas")
	rootCmd.Flags().BoolVar(&scheduled, "scheduled", false, "Run a scheduled worker")
	rootCmd.Flags().BoolVar(&failed, "failed", false, "Run a failed worker")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(queues []string, scheduled, failed bool) error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	rdb, err := queue.NewRedisClient(queue.RedisOptions{
		URL:            cfg.Redis.URL,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ConnectTimeout: cfg.Redis.Timeout,
		CommandTimeout: cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	registry, err := handlers.NewRegistry(logger)
	if err != nil {
		logger.Fatal("Failed to register job handlers", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(logger)
		go func() {
			if err := m.Serve(cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	tracer, err := tracing.NewTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	ctx := context.Background()
	wcfg := worker.Config{Queues: queues}

	switch {
	case scheduled:
		return worker.NewScheduled(wcfg, rdb, registry, logger, m, tracer,
			cfg.Worker.ScheduledLatency).Run(ctx)
	case failed:
		return worker.NewFailed(wcfg, rdb, registry, logger, m, tracer,
			cfg.Worker.FailedLatency).Run(ctx)
	default:
		return worker.New(wcfg, rdb, registry, logger, m, tracer).Run(ctx)
	}
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapConfig.Build()
}

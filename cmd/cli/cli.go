package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tqlabs/tq/internal/config"
	"github.com/tqlabs/tq/internal/job"
	"github.com/tqlabs/tq/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "tq",
	Short: "tq is a Redis-backed deferred job queue",
	Long: `Producer-side client for the tq job queue: submit immediate jobs,
schedule recurring ones, and inspect queue depth.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	logger, _ := zap.NewDevelopment()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	redisOpts := queue.RedisOptions{
		URL:            cfg.Redis.URL,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ConnectTimeout: cfg.Redis.Timeout,
		CommandTimeout: cfg.Redis.Timeout,
	}

	setupCommands(redisOpts, logger)
}

func setupCommands(redisOpts queue.RedisOptions, logger *zap.Logger) {
	var queueName, method, fallback, args, kwargs string

	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an immediate job",
		Run: func(cmd *cobra.Command, _ []string) {
			enqueue(redisOpts, logger, queueName, method, fallback, args, kwargs, nil)
		},
	}
	submitCmd.Flags().StringVarP(&queueName, "queue", "q", "main", "Queue to submit to")
	submitCmd.Flags().StringVarP(&method, "method", "m", "", "Method reference (required)")
	submitCmd.Flags().StringVarP(&args, "args", "a", "[]", "Positional arguments as a JSON array")
	submitCmd.Flags().StringVarP(&kwargs, "kwargs", "k", "{}", "Keyword arguments as a JSON object")
	submitCmd.MarkFlagRequired("method")

	var days, timeslots, timezone, date string
	var everyHour int
	var at int64

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Submit a scheduled job",
		Run: func(cmd *cobra.Command, _ []string) {
			info := &job.ExecInfo{
				Date:        date,
				Timezone:    timezone,
				EveryHour:   everyHour,
				ScheduledAt: at,
			}
			if days != "" {
				parsed, err := parseDays(days)
				if err != nil {
					logger.Fatal("Invalid days", zap.Error(err))
				}
				info.Days = parsed
			}
			if timeslots != "" {
				info.Timeslots = strings.Split(timeslots, ",")
			}

			enqueue(redisOpts, logger, queueName, method, fallback, args, kwargs, info)
		},
	}
	scheduleCmd.Flags().StringVarP(&queueName, "queue", "q", "main", "Queue to submit to")
	scheduleCmd.Flags().StringVarP(&method, "method", "m", "", "Method reference (required)")
	scheduleCmd.Flags().StringVarP(&fallback, "fallback", "f", "", "Fallback method for late runs")
	scheduleCmd.Flags().StringVarP(&args, "args", "a", "[]", "Positional arguments as a JSON array")
	scheduleCmd.Flags().StringVarP(&kwargs, "kwargs", "k", "{}", "Keyword arguments as a JSON object")
	scheduleCmd.Flags().StringVar(&days, "days", "", "Weekday indices, Monday=0, comma separated")
	scheduleCmd.Flags().StringVar(&timeslots, "timeslots", "", "Times of day (HH:MM), comma separated")
	scheduleCmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone of the schedule")
	scheduleCmd.Flags().StringVar(&date, "date", "", "One-shot calendar date, MM/DD/YYYY")
	scheduleCmd.Flags().IntVar(&everyHour, "every-hour", 0, "Run every N hours")
	scheduleCmd.Flags().Int64Var(&at, "at", 0, "Explicit first run, UTC epoch seconds")
	scheduleCmd.MarkFlagRequired("method")

	var statsQueue string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		Run: func(cmd *cobra.Command, _ []string) {
			printStats(redisOpts, logger, statsQueue)
		},
	}
	statsCmd.Flags().StringVarP(&statsQueue, "queue", "q", "main", "Queue to inspect")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the backing store is reachable",
		Run: func(cmd *cobra.Command, _ []string) {
			checkHealth(redisOpts, logger)
		},
	}

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

func connect(redisOpts queue.RedisOptions, logger *zap.Logger) *redis.Client {
	rdb, err := queue.NewRedisClient(redisOpts)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	return rdb
}

func enqueue(redisOpts queue.RedisOptions, logger *zap.Logger,
	queueName, method, fallback, rawArgs, rawKwargs string, info *job.ExecInfo) {

	var args []any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		logger.Fatal("Invalid args JSON", zap.Error(err))
	}

	var kwargs map[string]any
	if err := json.Unmarshal([]byte(rawKwargs), &kwargs); err != nil {
		logger.Fatal("Invalid kwargs JSON", zap.Error(err))
	}

	rdb := connect(redisOpts, logger)
	defer rdb.Close()

	q := queue.New(rdb, queueName)
	j, err := q.Enqueue(context.Background(), method, args, kwargs, info, fallback, nil)
	if err != nil {
		logger.Fatal("Failed to enqueue job", zap.Error(err))
	}

	fmt.Printf("Job enqueued:\n")
	fmt.Printf("  ID: %s\n", j.ID)
	fmt.Printf("  Queue: %s\n", queueName)
	fmt.Printf("  Method: %s\n", j.Method)
	if j.Scheduled() {
		due := time.Unix(j.ExecInfo.ScheduledAt, 0).UTC()
		fmt.Printf("  First run: %s\n", due.Format(time.RFC3339))
	}
}

func printStats(redisOpts queue.RedisOptions, logger *zap.Logger, queueName string) {
	rdb := connect(redisOpts, logger)
	defer rdb.Close()

	q := queue.New(rdb, queueName)
	immediate, scheduled, err := q.Stats(context.Background())
	if err != nil {
		logger.Fatal("Failed to get queue stats", zap.Error(err))
	}

	fmt.Printf("Queue %s:\n", queueName)
	fmt.Printf("  Immediate jobs: %d\n", immediate)
	fmt.Printf("  Scheduled jobs: %d\n", scheduled)
}

func checkHealth(redisOpts queue.RedisOptions, logger *zap.Logger) {
	rdb := connect(redisOpts, logger)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := queue.New(rdb, "main").Health(ctx); err != nil {
		fmt.Println("Health check failed:", err)
		os.Exit(1)
	}

	fmt.Println("Redis: connected and healthy")
}

func parseDays(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	days := make([]int, 0, len(parts))

	for _, part := range parts {
		day, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("invalid weekday index %q", part)
		}
		days = append(days, day)
	}

	return days, nil
}

// Package main is the flushd daemon: it accepts telemetry records over
// HTTP, buffers them in memory and flushes them to the configured backend.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/internal/adapters/clickhouse"
	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/database"
	"github.com/selivandex/telemetry-buffer/internal/adapters/influx"
	redisAdapter "github.com/selivandex/telemetry-buffer/internal/adapters/redis"
	"github.com/selivandex/telemetry-buffer/internal/health"
	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/logship"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/worker"
)

const (
	shutdownTimeout     = 25 * time.Second
	bufferStatusEvery   = 30 * time.Second
	migrateUsageExample = "flushd migrate up|down|version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flushd",
		Short: "Buffer telemetry records and flush them to a time-series backend",
		Long: `flushd accepts records on POST /write, keeps them in a bounded ring
buffer and flushes them in batches to InfluxDB, ClickHouse, PostgreSQL or
stdout. Configuration comes from environment variables (BUFFER_*, SINK_*,
INFLUX_*, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case <-sigChan:
					fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
					cancel()
				case <-ctx.Done():
				}
			}()

			return run(ctx)
		},
	}

	rootCmd.AddCommand(newMigrateCmd())
	return rootCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the PostgreSQL sink schema",
		Example:   migrateUsageExample,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			switch args[0] {
			case "up":
				return database.RunMigrations(&cfg.Database)
			case "down":
				return database.RollbackMigration(&cfg.Database)
			default:
				version, dirty, err := database.MigrationVersion(&cfg.Database)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			}
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("flushd starting",
		zap.String("backend", cfg.Sink.Backend),
		zap.String("mode", cfg.Dispatch.Mode),
		zap.Int("capacity", cfg.Buffer.Capacity),
		zap.Int("batch_size", cfg.Buffer.BatchSize),
		zap.Duration("write_interval", cfg.Buffer.WriteInterval),
	)

	buf := buffer.NewRing(cfg.Buffer.Capacity)
	if cfg.Logging.Ship {
		if err := shipLogs(cfg, buf); err != nil {
			return err
		}
	}
	stats := metrics.NewStats(buf)
	reporter := metrics.MultiReporter{metrics.LogReporter{Verbose: cfg.Logging.Verbose}, stats}
	checks := map[string]metrics.Pinger{}

	// Dead letters need Redis; without them the policy is drop.
	var store metrics.DeadLetterStore
	var dlq *redisAdapter.DeadLetterQueue
	if cfg.Buffer.FailurePolicy == config.PolicyDeadLetter {
		redisClient, queue, err := initDeadLetters(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
		store, dlq = queue, queue
	}

	policy, err := metrics.ParseFailurePolicy(cfg.Buffer.FailurePolicy, store)
	if err != nil {
		return err
	}

	flusher, err := initFlusher(cfg, buf, reporter, policy, stats, checks)
	if err != nil {
		return err
	}
	// The flusher outlives the signal: Stop drains it after ingest has closed.
	if err := flusher.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start flusher: %w", err)
	}

	jobs := startBackgroundJobs(ctx, cfg, buf, dlq)
	healthServer := startHealthServer(cfg, buf, stats, checks)

	// Wait for shutdown signal
	<-ctx.Done()

	return performGracefulShutdown(healthServer, jobs, flusher)
}

func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// shipLogs tees log entries at or above LOGGING_SHIP_LEVEL into buf as
// "logs" records.
func shipLogs(cfg *config.Config, buf *buffer.Ring) error {
	level, err := logger.ParseLevel(cfg.Logging.ShipLevel)
	if err != nil {
		return fmt.Errorf("failed to parse ship level: %w", err)
	}

	var opts []logship.Option
	if cfg.Logging.ShipBucket != "" {
		opts = append(opts, logship.WithBucket(cfg.Logging.ShipBucket))
	}
	logger.Tee(logship.NewCore(buf, level, opts...))

	logger.Info("shipping logs through the buffer",
		zap.String("level", level.String()),
		zap.String("bucket", cfg.Logging.ShipBucket),
	)
	return nil
}

func initDeadLetters(ctx context.Context, cfg *config.Config) (*redisAdapter.Client, *redisAdapter.DeadLetterQueue, error) {
	retention, err := config.ParseRetention(cfg.Redis.Retention)
	if err != nil {
		return nil, nil, err
	}

	client, err := redisAdapter.New(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	logger.Info("dead letter queue enabled",
		zap.String("key", cfg.Redis.DLQKey),
		zap.Duration("retention", retention),
	)
	return client, client.NewDeadLetterQueue(cfg.Redis.DLQKey, retention), nil
}

// initFlusher builds a single Scheduler, or a Dispatcher pool drained by
// its own Scheduler in multi mode. Single-sink deployments register the
// sink's Ping as a readiness check.
func initFlusher(
	cfg *config.Config,
	buf *buffer.Ring,
	reporter metrics.Reporter,
	policy metrics.FailurePolicy,
	stats *metrics.Stats,
	checks map[string]metrics.Pinger,
) (metrics.Flusher, error) {
	factory := sinkFactory(cfg)

	if !cfg.IsMultiWorker() {
		sink, err := factory(1)
		if err != nil {
			return nil, err
		}
		if p, ok := sink.(metrics.Pinger); ok {
			checks["sink"] = p
		}
		return metrics.NewScheduler(buf, sink, metrics.SchedulerConfig{
			BatchSize:     cfg.Buffer.BatchSize,
			WriteInterval: cfg.Buffer.WriteInterval,
			PollFloor:     cfg.Buffer.PollFloor,
			DrainOnStop:   cfg.Buffer.DrainOnStop,
			Reporter:      reporter,
			Policy:        policy,
		}), nil
	}

	dispatcher := worker.NewDispatcher(factory, worker.DispatcherConfig{
		Name:            cfg.Sink.Backend,
		Workers:         cfg.Dispatch.Workers,
		QueueSize:       cfg.Dispatch.QueueSize,
		BatchSize:       cfg.Buffer.BatchSize,
		ChunkTarget:     dispatchChunkTarget(cfg),
		ShutdownTimeout: cfg.Dispatch.ShutdownTimeout,
		WriteInterval:   cfg.Buffer.WriteInterval,
		PollFloor:       cfg.Buffer.PollFloor,
		DrainOnStop:     cfg.Buffer.DrainOnStop,
		Reporter:        reporter,
		Policy:          policy,
		Observer:        stats,
	})
	return dispatcher.Flusher(buf), nil
}

// dispatchChunkTarget is the byte bound the pool applies to each chunk. The
// influx sink splits by line-protocol size itself, so it gets none here.
func dispatchChunkTarget(cfg *config.Config) int {
	if cfg.Sink.Backend == config.BackendInflux {
		return 0
	}
	return cfg.Buffer.ChunkTargetBytes
}

// sinkFactory returns a constructor for the configured backend. Every call
// builds an independent, unopened sink.
func sinkFactory(cfg *config.Config) worker.SinkFactory {
	return func(id int) (metrics.Sink, error) {
		switch cfg.Sink.Backend {
		case config.BackendInflux:
			name := config.BackendInflux
			if cfg.IsMultiWorker() {
				name = fmt.Sprintf("%s-%d", name, id)
			}
			return influx.New(cfg.Influx,
				influx.WithName(name),
				influx.WithChunkTarget(cfg.Buffer.ChunkTargetBytes),
			)
		case config.BackendClickHouse:
			return clickhouse.NewSink(cfg.ClickHouse)
		case config.BackendPostgres:
			return database.NewSink(cfg.Database)
		case config.BackendStdout:
			return metrics.NewWriterSink(config.BackendStdout, stdout{os.Stdout}), nil
		default:
			return nil, &metrics.ConfigError{Param: "backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Sink.Backend)}
		}
	}
}

// stdout hides os.Stdout's Close from WriterSink.
type stdout struct{ io.Writer }

func startBackgroundJobs(ctx context.Context, cfg *config.Config, buf *buffer.Ring, dlq *redisAdapter.DeadLetterQueue) *worker.Group {
	jobs := worker.NewGroup(ctx)

	jobs.Add(worker.JobFunc("buffer-status", func(context.Context) error {
		logger.Debug("buffer status",
			zap.Int("records", buf.Len()),
			zap.Int("capacity", buf.Cap()),
			zap.Uint64("evicted", buf.Evicted()),
			zap.String("owner", buf.Owner()),
		)
		return nil
	}), bufferStatusEvery)

	if dlq != nil {
		jobs.Add(dlq.ReplayJob(buf, cfg.Redis.ReplayMax), cfg.Redis.ReplayInterval)
	}

	jobs.Start()
	return jobs
}

func startHealthServer(cfg *config.Config, buf *buffer.Ring, stats *metrics.Stats, checks map[string]metrics.Pinger) *health.Server {
	healthServer := health.NewServer(health.Options{
		Port:    fmt.Sprintf("%d", cfg.Server.HealthPort),
		Buffer:  buf,
		Checks:  checks,
		Metrics: stats.Handler(),
		MaxBody: cfg.Server.MaxBody,
	})

	go func() {
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("flushd ready",
		zap.Int("health_port", cfg.Server.HealthPort),
	)

	healthServer.SetReady(true)
	return healthServer
}

// performGracefulShutdown stops ingest first so the final drain sees every
// accepted record, then stops background jobs and the flusher.
func performGracefulShutdown(healthServer *health.Server, jobs *worker.Group, flusher metrics.Flusher) error {
	logger.Info("shutdown signal received, starting graceful shutdown")

	healthServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("stopping health server")
	if err := healthServer.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	logger.Info("stopping background jobs")
	if err := jobs.Stop(shutdownCtx); err != nil {
		logger.Error("background jobs stop error", zap.Error(err))
	}

	logger.Info("stopping flusher")
	if err := flusher.Stop(shutdownCtx); err != nil {
		logger.Error("flusher stop error", zap.Error(err))
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("shutdown completed successfully")
	return nil
}

// Package main is loadgen, a throughput benchmark for the flush pipeline.
// It fills a ring buffer with synthetic records and drains it through a
// single scheduler or a worker pool into a local sink.
package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
	"github.com/selivandex/telemetry-buffer/pkg/worker"
)

// Options holds the parsed flags
type Options struct {
	Records   int
	BatchSize int
	Workers   int
	Interval  time.Duration
	Sink      string
	Hosts     int
	LogLevel  string
}

// Result summarises one run
type Result struct {
	Records   int
	Delivered int64
	Discarded int64
	Batches   int64
	Elapsed   time.Duration
}

// Rate returns delivered records per second.
func (r Result) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Delivered) / r.Elapsed.Seconds()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := Options{}

	rootCmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Measure flush throughput with synthetic records",
		Long: `loadgen appends --records synthetic measurements to a ring buffer and
drains them into a local sink, reporting records per second.

Example:
  loadgen --records 1000000 --batch-size 5000 --workers 4`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(opts.LogLevel, ""); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			res, err := run(cmd.Context(), opts, sinkWriter(opts.Sink, cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(),
				"records=%d delivered=%d discarded=%d batches=%d elapsed=%s rate=%.0f/s\n",
				res.Records, res.Delivered, res.Discarded, res.Batches, res.Elapsed.Round(time.Millisecond), res.Rate(),
			)
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.IntVarP(&opts.Records, "records", "n", 100_000, "Number of records to generate")
	flags.IntVarP(&opts.BatchSize, "batch-size", "b", metrics.DefaultBatchSize, "Records per batch")
	flags.IntVarP(&opts.Workers, "workers", "w", 0, "Worker pool size (0 = single scheduler)")
	flags.DurationVar(&opts.Interval, "interval", metrics.DefaultWriteInterval, "Write interval")
	flags.StringVar(&opts.Sink, "sink", "discard", "Sink: discard or stdout")
	flags.IntVar(&opts.Hosts, "hosts", 16, "Distinct host tag values")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "warn", "Log level (debug, info, warn, error)")

	return rootCmd
}

func sinkWriter(name string, stdout io.Writer) io.Writer {
	if name == "stdout" {
		return stdout
	}
	return io.Discard
}

// run generates the records, then times a full drain: start, stop with
// DrainOnStop, and wait for every batch to be reported.
func run(ctx context.Context, opts Options, w io.Writer) (Result, error) {
	if opts.Records <= 0 {
		return Result{}, &metrics.ConfigError{Param: "records", Reason: "must be positive"}
	}

	var delivered, discarded, batches atomic.Int64
	reporter := metrics.ReporterFunc(func(o metrics.Outcome) {
		batches.Add(1)
		delivered.Add(int64(o.BatchSize - o.Discarded))
		discarded.Add(int64(o.Discarded))
	})

	// Worker sinks share w.
	shared := &lockedWriter{w: w}
	newSink := func(id int) (metrics.Sink, error) {
		return metrics.NewWriterSink(fmt.Sprintf("loadgen-%d", id), shared), nil
	}

	buf := buffer.NewRing(opts.Records)
	buf.AppendMany(generate(opts.Records, opts.Hosts, time.Now()))

	var flusher metrics.Flusher
	if opts.Workers > 0 {
		flusher = worker.NewDispatcher(newSink, worker.DispatcherConfig{
			Name:          "loadgen",
			Workers:       opts.Workers,
			BatchSize:     opts.BatchSize,
			WriteInterval: opts.Interval,
			DrainOnStop:   true,
			Reporter:      reporter,
		}).Flusher(buf)
	} else {
		sink, _ := newSink(1)
		flusher = metrics.NewScheduler(buf, sink, metrics.SchedulerConfig{
			BatchSize:     opts.BatchSize,
			WriteInterval: opts.Interval,
			DrainOnStop:   true,
			Reporter:      reporter,
		})
	}

	started := time.Now()
	if err := flusher.Start(ctx); err != nil {
		return Result{}, err
	}
	if err := flusher.Stop(context.WithoutCancel(ctx)); err != nil {
		return Result{}, err
	}

	return Result{
		Records:   opts.Records,
		Delivered: delivered.Load(),
		Discarded: discarded.Load(),
		Batches:   batches.Load(),
		Elapsed:   time.Since(started),
	}, nil
}

// generate builds n cpu records spread over hosts, one microsecond apart.
func generate(n, hosts int, start time.Time) []models.Record {
	hosts = max(hosts, 1)
	rng := rand.New(rand.NewSource(start.UnixNano()))

	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.MustRecord("cpu",
			map[string]any{
				"usage": rng.Float64() * 100,
				"seq":   i,
			},
			models.WithTag("host", fmt.Sprintf("host-%02d", i%hosts)),
			models.WithTime(start.Add(time.Duration(i)*time.Microsecond)),
		)
	}
	return out
}

// lockedWriter serialises writes and hides any Close of the underlying
// writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

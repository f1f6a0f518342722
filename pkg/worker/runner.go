package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

// Job is periodic background work that runs beside the flush path, such as
// dead-letter replay or buffer status logging.
type Job interface {
	// Name returns job name for logging
	Name() string
	// Run executes one iteration of work
	Run(ctx context.Context) error
}

// JobFunc adapts a named function to Job.
func JobFunc(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// PeriodicWorker runs a Job on a fixed interval until its context ends.
type PeriodicWorker struct {
	job      Job
	interval time.Duration
	done     chan struct{}
}

// NewPeriodicWorker creates new periodic worker
func NewPeriodicWorker(job Job, interval time.Duration) *PeriodicWorker {
	return &PeriodicWorker{
		job:      job,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the job immediately and then every interval, until ctx ends.
func (pw *PeriodicWorker) Start(ctx context.Context) {
	go pw.run(ctx)
}

// Wait blocks until the worker exits or ctx ends.
func (pw *PeriodicWorker) Wait(ctx context.Context) error {
	select {
	case <-pw.done:
		return nil
	case <-ctx.Done():
		logger.Warn("⚠️ Job stop timeout", zap.String("job", pw.job.Name()))
		return fmt.Errorf("%w: job %s", metrics.ErrShutdownTimeout, pw.job.Name())
	}
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer close(pw.done)

	logger.Info("🚀 Job started",
		zap.String("job", pw.job.Name()),
		zap.Duration("interval", pw.interval),
	)

	pw.runOnce(ctx)

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Job stopping", zap.String("job", pw.job.Name()))
			return

		case <-ticker.C:
			pw.runOnce(ctx)
		}
	}
}

func (pw *PeriodicWorker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked",
				zap.String("job", pw.job.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := pw.job.Run(ctx); err != nil {
		// Keep going; the next tick retries.
		logger.Error("job execution failed",
			zap.String("job", pw.job.Name()),
			zap.Error(err),
		)
	}
}

// Group manages several periodic jobs with one shared shutdown.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	workers []*PeriodicWorker
	started bool
}

// NewGroup creates a job group bound to ctx.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}
}

// Add registers a job. Jobs added after Start begin immediately.
func (g *Group) Add(job Job, interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pw := NewPeriodicWorker(job, interval)
	g.workers = append(g.workers, pw)
	if g.started {
		pw.Start(g.ctx)
	}
}

// Start starts all jobs
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return
	}
	g.started = true
	for _, w := range g.workers {
		w.Start(g.ctx)
	}

	logger.Info("🚀 Job group started", zap.Int("jobs", len(g.workers)))
}

// Stop cancels every job and waits for them to return.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}
	for _, w := range g.workers {
		if err := w.Wait(ctx); err != nil {
			return err
		}
	}

	logger.Info("✅ Job group stopped")
	return nil
}

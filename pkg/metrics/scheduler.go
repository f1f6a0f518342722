package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

const (
	DefaultBatchSize     = 5000
	DefaultWriteInterval = 500 * time.Millisecond
	DefaultPollFloor     = 100 * time.Millisecond
)

// State is a flusher lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SchedulerConfig configures the periodic flusher
type SchedulerConfig struct {
	BatchSize     int           // Flush when the buffer holds at least this many records
	WriteInterval time.Duration // Flush at least this often while records are buffered
	PollFloor     time.Duration // Longest sleep between checks
	DrainOnStop   bool          // Flush whatever is buffered before exiting
	Name          string        // Buffer claim owner, defaults to "scheduler/<sink>"
	Reporter      Reporter
	Policy        FailurePolicy
}

func (c *SchedulerConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WriteInterval <= 0 {
		c.WriteInterval = DefaultWriteInterval
	}
	if c.PollFloor <= 0 {
		c.PollFloor = DefaultPollFloor
	}
	if c.Reporter == nil {
		c.Reporter = LogReporter{}
	}
	if c.Policy == nil {
		c.Policy = DropPolicy{}
	}
}

// Scheduler drains a ring buffer into one sink from a single goroutine.
// A batch is flushed when the buffer reaches BatchSize records or when
// WriteInterval has elapsed since the last flush, whichever comes first.
type Scheduler struct {
	buf       *buffer.Ring
	cfg       SchedulerConfig
	deliverer Deliverer

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	doneCh chan struct{}

	lastFlush time.Time
	now       func() time.Time
}

// NewScheduler creates a scheduler in the idle state.
func NewScheduler(buf *buffer.Ring, sink Sink, cfg SchedulerConfig) *Scheduler {
	cfg.setDefaults()
	if cfg.Name == "" {
		cfg.Name = "scheduler/" + sink.Name()
	}

	return &Scheduler{
		buf: buf,
		cfg: cfg,
		deliverer: Deliverer{
			Sink:     sink,
			Reporter: cfg.Reporter,
			Policy:   cfg.Policy,
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start claims the buffer, opens the sink and launches the flush loop. It
// returns once the sink is open; an Open failure is returned and leaves the
// scheduler stopped. The loop also exits when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateStopped:
		s.mu.Unlock()
		return ErrStopped
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	if err := s.buf.Claim(s.cfg.Name); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateRunning
	s.mu.Unlock()

	opened := make(chan error, 1)
	go s.run(ctx, opened)

	if err := <-opened; err != nil {
		<-s.doneCh
		return fmt.Errorf("open sink %s: %w", s.deliverer.Sink.Name(), err)
	}

	logger.Info("🚀 flush scheduler started",
		zap.String("sink", s.deliverer.Sink.Name()),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Duration("write_interval", s.cfg.WriteInterval),
	)
	return nil
}

// Stop signals the loop and waits for it to exit, including the final drain
// when DrainOnStop is set. Stop on a scheduler that never started, or that
// already stopped, returns nil. If ctx ends first ErrShutdownTimeout is
// returned and the loop keeps winding down in the background.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning:
		s.state = StateStopping
		close(s.stopCh)
	}
	s.mu.Unlock()

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		logger.Warn("⚠️ flush scheduler stop timeout",
			zap.String("sink", s.deliverer.Sink.Name()),
			zap.Int("buffered", s.buf.Len()),
		)
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
}

// Done is closed once the loop has exited and the sink is closed.
func (s *Scheduler) Done() <-chan struct{} { return s.doneCh }

func (s *Scheduler) run(ctx context.Context, opened chan<- error) {
	defer close(s.doneCh)
	defer s.finish()

	if err := s.deliverer.Sink.Open(ctx); err != nil {
		opened <- err
		return
	}
	opened <- nil

	defer s.closeSink()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("flush loop panicked",
				zap.String("sink", s.deliverer.Sink.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	s.lastFlush = s.now()
	for {
		select {
		case <-s.stopCh:
			s.drain(ctx)
			return
		case <-ctx.Done():
			s.drain(ctx)
			return
		default:
		}

		if !s.tick(ctx) {
			s.sleep(ctx)
		}
	}
}

// tick flushes one batch if the flush condition holds and reports whether
// it did.
func (s *Scheduler) tick(ctx context.Context) bool {
	n := s.buf.Len()
	if n == 0 || !s.shouldFlush(n) {
		return false
	}

	batch := s.buf.Extract(s.cfg.BatchSize)
	s.deliverer.Deliver(ctx, batch)
	s.lastFlush = s.now()
	return true
}

func (s *Scheduler) shouldFlush(buffered int) bool {
	return buffered >= s.cfg.BatchSize || s.now().Sub(s.lastFlush) >= s.cfg.WriteInterval
}

// sleep waits min(WriteInterval, PollFloor) or until stop is requested.
func (s *Scheduler) sleep(ctx context.Context) {
	timer := time.NewTimer(min(s.cfg.WriteInterval, s.cfg.PollFloor))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	if !s.cfg.DrainOnStop {
		if n := s.buf.Len(); n > 0 {
			logger.Info("leaving buffered records undrained",
				zap.String("sink", s.deliverer.Sink.Name()),
				zap.Int("buffered", n),
			)
		}
		return
	}

	ctx = context.WithoutCancel(ctx)
	for {
		batch := s.buf.Extract(s.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		s.deliverer.Deliver(ctx, batch)
	}
}

func (s *Scheduler) closeSink() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sink close panicked",
				zap.String("sink", s.deliverer.Sink.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.deliverer.Sink.Close(); err != nil {
		logger.Error("sink close failed",
			zap.String("sink", s.deliverer.Sink.Name()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) finish() {
	s.buf.Release(s.cfg.Name)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	logger.Info("✅ flush scheduler stopped",
		zap.String("sink", s.deliverer.Sink.Name()),
	)
}

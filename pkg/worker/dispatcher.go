package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/batch"
	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

const (
	DefaultWorkers         = 4
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrNotStarted is returned by Dispatch before StartWorkers succeeded.
var ErrNotStarted = errors.New("dispatcher not started")

// SinkFactory builds the sink owned by worker id (1-based). It is called
// concurrently, once per worker.
type SinkFactory func(id int) (metrics.Sink, error)

// Observer receives worker pool gauges. *metrics.Stats implements it.
type Observer interface {
	WorkerStarted()
	WorkerStopped()
	SetQueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted()    {}
func (nopObserver) WorkerStopped()    {}
func (nopObserver) SetQueueDepth(int) {}

// DispatcherConfig configures the worker pool
type DispatcherConfig struct {
	Name            string
	Workers         int           // Number of worker goroutines, each with its own sink
	QueueSize       int           // Work queue capacity in chunks (0 = 2 per worker)
	BatchSize       int           // Records per chunk
	ChunkTarget     int           // When > 0, also split chunks so none outweighs it
	Weight          func(models.Record) int
	ShutdownTimeout time.Duration // Used by Close

	// Drain loop settings, see Flusher.
	WriteInterval time.Duration
	PollFloor     time.Duration
	DrainOnStop   bool

	Reporter metrics.Reporter
	Policy   metrics.FailurePolicy
	Observer Observer
}

func (c *DispatcherConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "dispatcher"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = metrics.DefaultBatchSize
	}
	if c.Weight == nil {
		c.Weight = models.Record.Size
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Reporter == nil {
		c.Reporter = metrics.LogReporter{}
	}
	if c.Policy == nil {
		c.Policy = metrics.DropPolicy{}
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

type job struct {
	records []models.Record
	stop    bool
}

// Dispatcher fans chunks of records out to a fixed pool of workers. Each
// worker owns one sink for its whole life. Shutdown enqueues one stop
// sentinel per worker behind any pending chunks, so every chunk accepted by
// Dispatch is handed to a sink before the workers exit.
type Dispatcher struct {
	cfg     DispatcherConfig
	factory SinkFactory
	queue   chan job

	mu      sync.RWMutex
	state   metrics.State
	running int

	// stopping is closed by StopWorkers; senders tracks Dispatch calls
	// that may still enqueue, so sentinels always go in behind them.
	stopping chan struct{}
	senders  sync.WaitGroup

	workers  sync.WaitGroup
	inflight *tracker

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates an idle dispatcher.
func NewDispatcher(factory SinkFactory, cfg DispatcherConfig) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:      cfg,
		factory:  factory,
		queue:    make(chan job, cfg.QueueSize),
		stopping: make(chan struct{}),
		inflight: newTracker(),
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() metrics.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// StartWorkers launches the pool and waits until every worker has opened
// its sink. If any worker fails to build or open its sink, the workers that
// did open are shut down and all failures are returned joined.
func (d *Dispatcher) StartWorkers(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case metrics.StateIdle:
	case metrics.StateStopped:
		return metrics.ErrStopped
	default:
		return metrics.ErrAlreadyStarted
	}

	// Workers outlive the caller's context; StopWorkers cancels them.
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	opened := make(chan error, d.cfg.Workers)
	for id := 1; id <= d.cfg.Workers; id++ {
		d.workers.Add(1)
		go d.work(id, opened)
	}

	var errs []error
	for i := 0; i < d.cfg.Workers; i++ {
		if err := <-opened; err != nil {
			errs = append(errs, err)
		}
	}
	d.running = d.cfg.Workers - len(errs)

	if len(errs) > 0 {
		for i := 0; i < d.running; i++ {
			d.queue <- job{stop: true}
		}
		d.workers.Wait()
		d.cancel()
		d.state = metrics.StateStopped

		err := errors.Join(errs...)
		logger.Error("dispatcher failed to start",
			zap.String("dispatcher", d.cfg.Name),
			zap.Int("failed_workers", len(errs)),
			zap.Error(err),
		)
		return err
	}

	d.state = metrics.StateRunning
	logger.Info("🚀 Dispatcher workers started",
		zap.String("dispatcher", d.cfg.Name),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch_size", d.cfg.BatchSize),
	)
	return nil
}

// Dispatch splits records into chunks and enqueues them, blocking while the
// queue is full. If ctx ends or StopWorkers is called first, the records not
// yet enqueued are returned in a *metrics.DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	d.mu.RLock()
	switch d.state {
	case metrics.StateRunning:
	case metrics.StateIdle:
		d.mu.RUnlock()
		return ErrNotStarted
	default:
		d.mu.RUnlock()
		return metrics.ErrStopped
	}
	d.senders.Add(1)
	d.mu.RUnlock()
	defer d.senders.Done()

	chunks := d.chunk(records)
	for i, c := range chunks {
		select {
		case <-d.stopping:
			return d.undelivered(chunks[i:], metrics.ErrStopped)
		default:
		}

		d.inflight.add()
		select {
		case d.queue <- job{records: c}:
			d.cfg.Observer.SetQueueDepth(len(d.queue))
		case <-d.stopping:
			d.inflight.done()
			return d.undelivered(chunks[i:], metrics.ErrStopped)
		case <-ctx.Done():
			d.inflight.done()
			return d.undelivered(chunks[i:], ctx.Err())
		}
	}
	return nil
}

func (d *Dispatcher) undelivered(chunks [][]models.Record, err error) error {
	var rest []models.Record
	for _, c := range chunks {
		rest = append(rest, c...)
	}
	return &metrics.DeliveryError{Sink: d.Name(), Records: rest, Err: err}
}

// chunk splits records into BatchSize chunks. With a ChunkTarget each of
// those is split further so no chunk outweighs the target.
func (d *Dispatcher) chunk(records []models.Record) [][]models.Record {
	chunks := batch.Chunk(records, d.cfg.BatchSize)
	if d.cfg.ChunkTarget <= 0 {
		return chunks
	}

	var out [][]models.Record
	for _, c := range chunks {
		out = append(out, batch.ChunkByWeight(c, d.cfg.ChunkTarget, d.cfg.Weight)...)
	}
	return out
}

// Wait blocks until every dispatched chunk has been handed to a sink and
// acknowledged, successfully or not.
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.inflight.idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of dispatched chunks not yet acknowledged.
func (d *Dispatcher) Pending() int { return d.inflight.len() }

// StopWorkers enqueues one stop sentinel per worker and waits for all of
// them to exit. Chunks queued before the call are still delivered. If ctx
// ends first, in-flight writes are cancelled and ErrShutdownTimeout is
// returned.
func (d *Dispatcher) StopWorkers(ctx context.Context) error {
	d.mu.Lock()
	if d.state != metrics.StateRunning {
		d.mu.Unlock()
		return nil
	}
	d.state = metrics.StateStopping
	running := d.running
	close(d.stopping)
	d.mu.Unlock()

	logger.Info("🛑 Stopping dispatcher workers...",
		zap.String("dispatcher", d.cfg.Name),
		zap.Int("workers", running),
		zap.Int("pending", d.inflight.len()),
	)

	done := make(chan struct{})
	go func() {
		d.senders.Wait()
		for i := 0; i < running; i++ {
			d.queue <- job{stop: true}
		}
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.finish()
		logger.Info("✅ Dispatcher workers stopped", zap.String("dispatcher", d.cfg.Name))
		return nil
	case <-ctx.Done():
		d.finish()
		logger.Warn("⚠️ Dispatcher stop timeout",
			zap.String("dispatcher", d.cfg.Name),
			zap.Int("pending", d.inflight.len()),
		)
		return fmt.Errorf("%w: %v", metrics.ErrShutdownTimeout, ctx.Err())
	}
}

func (d *Dispatcher) finish() {
	d.cancel()
	d.mu.Lock()
	d.state = metrics.StateStopped
	d.mu.Unlock()
}

func (d *Dispatcher) work(id int, opened chan<- error) {
	defer d.workers.Done()

	sink, err := d.factory(id)
	if err == nil {
		err = sink.Open(d.ctx)
	}
	if err != nil {
		opened <- fmt.Errorf("worker %d: %w", id, err)
		return
	}
	opened <- nil

	d.cfg.Observer.WorkerStarted()
	defer d.cfg.Observer.WorkerStopped()
	defer closeSink(sink, id)

	deliverer := metrics.Deliverer{
		Sink:     sink,
		Reporter: d.cfg.Reporter,
		Policy:   d.cfg.Policy,
		Worker:   id,
	}

	for j := range d.queue {
		if j.stop {
			return
		}
		d.cfg.Observer.SetQueueDepth(len(d.queue))
		deliverer.Deliver(d.ctx, j.records)
		d.inflight.done()
	}
}

func closeSink(sink metrics.Sink, id int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sink close panicked",
				zap.String("sink", sink.Name()),
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sink.Close(); err != nil {
		logger.Error("sink close failed",
			zap.String("sink", sink.Name()),
			zap.Int("worker", id),
			zap.Error(err),
		)
	}
}

// The methods below let a Dispatcher stand in as the sink of a
// metrics.Scheduler, which is how Flusher drains a ring buffer through the
// pool.

// Name implements metrics.Sink.
func (d *Dispatcher) Name() string { return d.cfg.Name }

// Open implements metrics.Sink by starting the workers.
func (d *Dispatcher) Open(ctx context.Context) error { return d.StartWorkers(ctx) }

// Write implements metrics.Sink by dispatching the batch.
func (d *Dispatcher) Write(ctx context.Context, records []models.Record) error {
	return d.Dispatch(ctx, records)
}

// Close implements metrics.Sink by stopping the workers within
// ShutdownTimeout.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	return d.StopWorkers(ctx)
}

// Flusher returns a drain loop that moves records from buf into the pool.
// It flushes once BatchSize×Workers records are buffered or WriteInterval
// has elapsed, extracting up to BatchSize×Workers records per pass.
// Starting it starts the workers; stopping it drains (if DrainOnStop),
// then stops the workers.
func (d *Dispatcher) Flusher(buf *buffer.Ring) *metrics.Scheduler {
	return metrics.NewScheduler(buf, d, metrics.SchedulerConfig{
		BatchSize:     d.cfg.BatchSize * d.cfg.Workers,
		WriteInterval: d.cfg.WriteInterval,
		PollFloor:     d.cfg.PollFloor,
		DrainOnStop:   d.cfg.DrainOnStop,
		Name:          "dispatcher/" + d.cfg.Name,
		// Per-chunk outcomes come from the workers; the loop only reports
		// chunks it failed to enqueue.
		Reporter: failuresOnly{d.cfg.Reporter},
		Policy:   d.cfg.Policy,
	})
}

type failuresOnly struct{ next metrics.Reporter }

func (f failuresOnly) Report(o metrics.Outcome) {
	if !o.Succeeded() {
		f.next.Report(o)
	}
}

// tracker counts in-flight chunks and exposes a channel closed whenever the
// count is zero.
type tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func newTracker() *tracker {
	ch := make(chan struct{})
	close(ch)
	return &tracker{zero: ch}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
}

func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zero
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

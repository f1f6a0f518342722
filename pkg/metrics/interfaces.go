package metrics

import (
	"context"

	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Sink delivers batches to a backend. Implementations own one connection
// (or client) that is acquired in Open and released in Close.
type Sink interface {
	// Name identifies the sink in logs and outcome events.
	Name() string
	// Open acquires connection resources. Called once before any Write.
	Open(ctx context.Context) error
	// Write delivers a batch. A non-nil error should be, or wrap, one or
	// more *DeliveryError naming the records that were not delivered.
	// Write must not retain or mutate the batch.
	Write(ctx context.Context, batch []models.Record) error
	// Close releases connection resources.
	Close() error
}

// Pinger is implemented by sinks that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Converter turns a record into a backend's wire representation.
type Converter[P any] interface {
	Convert(r models.Record) (P, error)
}

// ConverterFunc adapts a plain function to Converter.
type ConverterFunc[P any] func(r models.Record) (P, error)

// Convert implements Converter.
func (f ConverterFunc[P]) Convert(r models.Record) (P, error) {
	return f(r)
}

// Reporter consumes one Outcome per delivery attempt.
type Reporter interface {
	Report(o Outcome)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(o Outcome)

// Report implements Reporter.
func (f ReporterFunc) Report(o Outcome) { f(o) }

// FailurePolicy decides what happens to records a sink failed to deliver.
// Failed records are never put back into the buffer.
type FailurePolicy interface {
	Name() string
	HandleFailure(ctx context.Context, sink string, failed []models.Record, err error)
}

// DeadLetterStore keeps undeliverable records for later inspection or
// replay.
type DeadLetterStore interface {
	Push(ctx context.Context, records []models.Record) error
}

// Flusher is a buffer-draining strategy: the single-goroutine Scheduler or
// the multi-worker Dispatcher.
type Flusher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

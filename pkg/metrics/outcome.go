package metrics

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Status is the result of one delivery attempt.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Outcome describes one delivery attempt of one batch.
type Outcome struct {
	Action    string
	Details   string
	Status    Status
	Sink      string
	Worker    int // 0 for the single-goroutine scheduler
	BatchSize int
	Discarded int
	Duration  time.Duration
	Err       error

	// Failed holds the records that were not delivered.
	Failed []models.Record `json:"-"`
}

// NewOutcome builds the outcome of writing batch to sink.
func NewOutcome(sink string, batch []models.Record, err error, took time.Duration) Outcome {
	o := Outcome{
		Action:    fmt.Sprintf("Sending %d metrics to %s", len(batch), sink),
		Status:    StatusSuccess,
		Sink:      sink,
		BatchSize: len(batch),
		Duration:  took,
	}
	if err != nil {
		o.Status = StatusFailed
		o.Err = err
		o.Failed = Undelivered(batch, err)
		o.Discarded = len(o.Failed)
		o.Details = err.Error()
	}
	return o
}

// Succeeded reports whether the whole batch was delivered.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Message renders "<action> -> <status>".
func (o Outcome) Message() string {
	return o.Action + " -> " + string(o.Status)
}

// VerboseMessage adds details and counts to Message.
func (o Outcome) VerboseMessage() string {
	msg := o.Message()
	if o.Details != "" {
		msg += ": " + o.Details
	}
	if o.Discarded > 0 {
		msg += fmt.Sprintf(" (%d of %d discarded)", o.Discarded, o.BatchSize)
	}
	return msg
}

func (o Outcome) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("action", o.Action),
		zap.String("sink", o.Sink),
		zap.String("outcome", string(o.Status)),
		zap.Int("batch_size", o.BatchSize),
		zap.Int("discarded", o.Discarded),
		zap.Duration("took", o.Duration),
	}
	if o.Worker > 0 {
		fields = append(fields, zap.Int("worker", o.Worker))
	}
	if !o.Succeeded() {
		fields = append(fields, zap.Error(o.Err))
	}
	return fields
}

// LogReporter writes outcomes to the package logger. Successes are logged at
// debug level unless Verbose is set; failures are always logged as errors.
type LogReporter struct {
	Verbose bool
}

// Report implements Reporter.
func (r LogReporter) Report(o Outcome) {
	switch {
	case !o.Succeeded():
		logger.Error(o.Message(), o.fields()...)
	case r.Verbose:
		logger.Info(o.VerboseMessage(), o.fields()...)
	default:
		logger.Debug(o.Message(), o.fields()...)
	}
}

// MultiReporter fans an outcome out to several reporters.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(o Outcome) {
	for _, r := range m {
		if r != nil {
			r.Report(o)
		}
	}
}

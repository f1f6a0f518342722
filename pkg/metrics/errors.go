package metrics

import (
	"errors"
	"fmt"

	"github.com/selivandex/telemetry-buffer/pkg/models"
)

var (
	// ErrAlreadyStarted is returned by Start on a running flusher.
	ErrAlreadyStarted = errors.New("flusher already started")
	// ErrStopped is returned by Start once a flusher has stopped.
	ErrStopped = errors.New("flusher stopped")
	// ErrShutdownTimeout is returned when Stop gives up waiting.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// ConfigError reports a missing or invalid startup parameter, typically a
// destination setting such as url, org, bucket or table.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("config: %s is required", e.Param)
	}
	return fmt.Sprintf("config: %s: %s", e.Param, e.Reason)
}

// DeliveryError reports records a sink could not deliver to one
// destination. Several of them may be joined with errors.Join when a batch
// spans destinations.
type DeliveryError struct {
	Sink        string
	Destination Destination
	Records     []models.Record
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: deliver %d records to %s: %v", e.Sink, len(e.Records), e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FailedRecords collects the records named by every *DeliveryError in err,
// including errors joined with errors.Join or wrapped with %w.
func FailedRecords(err error) []models.Record {
	if err == nil {
		return nil
	}

	var out []models.Record
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case *DeliveryError:
			out = append(out, x.Records...)
			return
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}

// Undelivered returns the records of batch that err says were lost. Errors
// that do not name records discard the whole batch.
func Undelivered(batch []models.Record, err error) []models.Record {
	if err == nil {
		return nil
	}
	if failed := FailedRecords(err); len(failed) > 0 {
		return failed
	}
	return batch
}

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Deliverer performs one write to a sink and routes the result to the
// reporter and failure policy. Both flush strategies deliver through it.
type Deliverer struct {
	Sink     Sink
	Reporter Reporter
	Policy   FailurePolicy
	Worker   int
}

// Deliver writes batch and never returns an error: failures end up in the
// Outcome and are handed to the failure policy.
func (d Deliverer) Deliver(ctx context.Context, batch []models.Record) (o Outcome) {
	if len(batch) == 0 {
		return Outcome{Status: StatusSuccess, Sink: d.Sink.Name(), Worker: d.Worker}
	}

	start := time.Now()
	err := d.write(ctx, batch)
	o = NewOutcome(d.Sink.Name(), batch, err, time.Since(start))
	o.Worker = d.Worker

	if err != nil && d.Policy != nil {
		d.Policy.HandleFailure(ctx, o.Sink, o.Failed, err)
	}
	if d.Reporter != nil {
		d.Reporter.Report(o)
	}
	return o
}

// write turns a sink panic into a delivery failure for the whole batch.
func (d Deliverer) write(ctx context.Context, batch []models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sink panicked during write",
				zap.String("sink", d.Sink.Name()),
				zap.Any("panic", r),
			)
			err = &DeliveryError{Sink: d.Sink.Name(), Records: batch, Err: panicError{r}}
		}
	}()
	return d.Sink.Write(ctx, batch)
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

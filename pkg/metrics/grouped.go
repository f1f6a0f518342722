package metrics

import (
	"context"
	"errors"

	"github.com/selivandex/telemetry-buffer/pkg/batch"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Destination is where a group of records is written: a bucket (or table)
// at a write precision.
type Destination struct {
	Bucket    string
	Precision models.Precision
}

func (d Destination) String() string {
	return d.Bucket + "@" + string(d.Precision)
}

// GroupWriteFunc delivers records that all share one destination.
type GroupWriteFunc func(ctx context.Context, dest Destination, records []models.Record) error

// WriteGrouped splits records by destination and hands every group to
// write. Records without a bucket go to defaultBucket. A failing group does
// not stop its siblings; failures are returned joined, one *DeliveryError
// per failed group.
func WriteGrouped(ctx context.Context, sink string, records []models.Record, defaultBucket string, write GroupWriteFunc) error {
	groups := batch.GroupBy(records, func(r models.Record) Destination {
		bucket := r.Bucket()
		if bucket == "" {
			bucket = defaultBucket
		}
		return Destination{Bucket: bucket, Precision: r.Precision()}
	})

	var errs []error
	for _, g := range groups {
		if err := write(ctx, g.Key, g.Items); err != nil {
			var derr *DeliveryError
			if errors.As(err, &derr) {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, &DeliveryError{
				Sink:        sink,
				Destination: g.Key,
				Records:     g.Items,
				Err:         err,
			})
		}
	}
	return errors.Join(errs...)
}

package sqlsink

import (
	"encoding/json"
	"fmt"

	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Columns written by RowConverter, in order.
var Columns = []string{"ts", "bucket", "name", "precision", "tags", "fields"}

// RowConverter flattens a record into one row matching Columns. The
// timestamp is truncated to the record's precision; tags and fields are
// stored as JSON objects. Records without a bucket get defaultBucket.
func RowConverter(defaultBucket string) metrics.ConverterFunc[[]any] {
	return func(r models.Record) ([]any, error) {
		tags := r.Tags()
		if tags == nil {
			tags = map[string]string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}

		fieldsJSON, err := json.Marshal(r.Fields())
		if err != nil {
			return nil, fmt.Errorf("encode fields: %w", err)
		}

		bucket := r.Bucket()
		if bucket == "" {
			bucket = defaultBucket
		}

		return []any{
			r.Time().Truncate(r.Precision().Duration()).UTC(),
			bucket,
			r.Name(),
			string(r.Precision()),
			string(tagsJSON),
			string(fieldsJSON),
		}, nil
	}
}

package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is a single measurement: a name, one or more typed fields, a
// timestamp and optional tags. Records are immutable once built; use
// NewRecord to construct one.
type Record struct {
	name      string
	fields    map[string]any
	tags      map[string]string
	ts        time.Time
	precision Precision
	bucket    string
}

// Option customizes a record under construction.
type Option func(*Record)

// WithTime sets the measurement timestamp. Zero means "now".
func WithTime(t time.Time) Option {
	return func(r *Record) { r.ts = t }
}

// WithTags merges tags into the record.
func WithTags(tags map[string]string) Option {
	return func(r *Record) {
		for k, v := range tags {
			r.setTag(k, v)
		}
	}
}

// WithTag adds a single tag.
func WithTag(key, value string) Option {
	return func(r *Record) { r.setTag(key, value) }
}

// WithPrecision sets the write precision.
func WithPrecision(p Precision) Option {
	return func(r *Record) { r.precision = p }
}

// WithBucket routes the record to a specific destination instead of the
// sink default.
func WithBucket(bucket string) Option {
	return func(r *Record) { r.bucket = bucket }
}

func (r *Record) setTag(k, v string) {
	if r.tags == nil {
		r.tags = make(map[string]string)
	}
	r.tags[k] = v
}

// NewRecord validates and builds a record. Field values are normalized to
// string, int64, float64, bool or time.Time; anything else is rejected
// with a *ValidationError.
func NewRecord(name string, fields map[string]any, opts ...Option) (Record, error) {
	if strings.TrimSpace(name) == "" {
		return Record{}, &ValidationError{Reason: "measurement name is empty"}
	}
	if len(fields) == 0 {
		return Record{}, &ValidationError{Record: name, Reason: "record has no fields"}
	}

	r := Record{
		name:   name,
		fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		if k == "" {
			return Record{}, &ValidationError{Record: name, Reason: "empty field key"}
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return Record{}, &ValidationError{Record: name, Field: k, Reason: err.Error()}
		}
		r.fields[k] = nv
	}

	for _, opt := range opts {
		opt(&r)
	}

	for k := range r.tags {
		if k == "" {
			return Record{}, &ValidationError{Record: name, Reason: "empty tag key"}
		}
	}
	if r.precision == "" {
		r.precision = DefaultPrecision
	}
	if !r.precision.Valid() {
		return Record{}, &ValidationError{Record: name, Reason: fmt.Sprintf("write precision %q not supported", r.precision)}
	}
	if r.ts.IsZero() {
		r.ts = time.Now()
	}

	return r, nil
}

// MustRecord is NewRecord that panics on validation failure. Intended for
// fixtures and generators with statically known input.
func MustRecord(name string, fields map[string]any, opts ...Option) Record {
	r, err := NewRecord(name, fields, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Name returns the measurement name.
func (r Record) Name() string { return r.name }

// Time returns the measurement timestamp.
func (r Record) Time() time.Time { return r.ts }

// Precision returns the write precision.
func (r Record) Precision() Precision { return r.precision }

// Bucket returns the destination override, empty for the sink default.
func (r Record) Bucket() string { return r.bucket }

// IsZero reports whether r was not built by NewRecord.
func (r Record) IsZero() bool { return r.name == "" }

// Field returns a single field value.
func (r Record) Field(key string) (any, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Fields returns a copy of the field map.
func (r Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Tags returns a copy of the tag map; nil when the record has no tags.
func (r Record) Tags() map[string]string {
	if len(r.tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// Tag returns a single tag value.
func (r Record) Tag(key string) (string, bool) {
	v, ok := r.tags[key]
	return v, ok
}

// NumFields returns the number of fields.
func (r Record) NumFields() int { return len(r.fields) }

// FieldKeys returns field keys in sorted order.
func (r Record) FieldKeys() []string {
	return sortedKeys(r.fields)
}

// EachField calls fn for every field in key order without copying the map.
func (r Record) EachField(fn func(key string, value any)) {
	for _, k := range sortedKeys(r.fields) {
		fn(k, r.fields[k])
	}
}

// EachTag calls fn for every tag in key order.
func (r Record) EachTag(fn func(key, value string)) {
	for _, k := range sortedKeys(r.tags) {
		fn(k, r.tags[k])
	}
}

// Size estimates the encoded size of the record in bytes. It approximates
// a line-protocol rendering and is used as the weight for size-bounded
// chunking.
func (r Record) Size() int {
	n := len(r.name) + 1 // name + separator
	for k, v := range r.tags {
		n += len(k) + len(v) + 2
	}
	for k, v := range r.fields {
		n += len(k) + len(FormatValue(v)) + 2
	}
	n += 20 // timestamp
	return n
}

func (r Record) String() string {
	var b strings.Builder
	b.WriteString(r.name)
	r.EachTag(func(k, v string) {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	})
	b.WriteByte(' ')
	first := true
	r.EachField(func(k string, v any) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(FormatValue(v))
	})
	fmt.Fprintf(&b, " %d", r.precision.Timestamp(r.ts))
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

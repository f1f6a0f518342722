package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// recordJSON is the wire shape used by the dead-letter queue and the ingest
// endpoint. Fields are written typed ({"int": 3}) so integer, float and time
// values survive a round trip; plain JSON scalars are accepted on input.
type recordJSON struct {
	Name      string                     `json:"name"`
	Time      *time.Time                 `json:"time,omitempty"`
	Precision Precision                  `json:"precision,omitempty"`
	Bucket    string                     `json:"bucket,omitempty"`
	Tags      map[string]string          `json:"tags,omitempty"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

type typedValue struct {
	String *string    `json:"string,omitempty"`
	Int    *int64     `json:"int,omitempty"`
	Float  *float64   `json:"float,omitempty"`
	Bool   *bool      `json:"bool,omitempty"`
	Time   *time.Time `json:"time,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	ts := r.ts
	out := recordJSON{
		Name:      r.name,
		Time:      &ts,
		Precision: r.precision,
		Bucket:    r.bucket,
		Tags:      r.tags,
		Fields:    make(map[string]json.RawMessage, len(r.fields)),
	}
	for k, v := range r.fields {
		var tv typedValue
		switch x := v.(type) {
		case string:
			tv.String = &x
		case int64:
			tv.Int = &x
		case float64:
			tv.Float = &x
		case bool:
			tv.Bool = &x
		case time.Time:
			tv.Time = &x
		default:
			return nil, fmt.Errorf("field %q: unsupported type %T", k, v)
		}
		raw, err := json.Marshal(tv)
		if err != nil {
			return nil, err
		}
		out.Fields[k] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. The decoded record is
// validated exactly like NewRecord.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	fields := make(map[string]any, len(in.Fields))
	for k, raw := range in.Fields {
		v, err := decodeFieldValue(raw)
		if err != nil {
			return &ValidationError{Record: in.Name, Field: k, Reason: err.Error()}
		}
		fields[k] = v
	}

	opts := []Option{WithTags(in.Tags), WithPrecision(in.Precision), WithBucket(in.Bucket)}
	if in.Time != nil {
		opts = append(opts, WithTime(*in.Time))
	}
	rec, err := NewRecord(in.Name, fields, opts...)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

func decodeFieldValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var tv typedValue
		if err := json.Unmarshal(trimmed, &tv); err != nil {
			return nil, err
		}
		switch {
		case tv.String != nil:
			return *tv.String, nil
		case tv.Int != nil:
			return *tv.Int, nil
		case tv.Float != nil:
			return *tv.Float, nil
		case tv.Bool != nil:
			return *tv.Bool, nil
		case tv.Time != nil:
			return *tv.Time, nil
		default:
			return nil, fmt.Errorf("typed value has no recognised kind")
		}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return x.Float64()
		}
		return x.Int64()
	case string, bool:
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported JSON value %s", string(trimmed))
	}
}

// DecodeRecords parses either a single JSON record or an array of them.
func DecodeRecords(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] == '[' {
		var out []Record
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var r Record
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, err
	}
	return []Record{r}, nil
}

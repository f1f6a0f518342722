package models

import (
	"fmt"
	"strings"
	"time"
)

// Precision is the time resolution at which a record timestamp is encoded
// for the backend.
type Precision string

const (
	PrecisionSeconds      Precision = "s"
	PrecisionMilliseconds Precision = "ms"
	PrecisionMicroseconds Precision = "us"
	PrecisionNanoseconds  Precision = "ns"

	// DefaultPrecision is applied when a record does not name one.
	DefaultPrecision = PrecisionNanoseconds
)

// ParsePrecision accepts s, ms, us (or µs) and ns.
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case PrecisionSeconds, PrecisionMilliseconds, PrecisionMicroseconds, PrecisionNanoseconds:
		return p, nil
	case "µs":
		return PrecisionMicroseconds, nil
	case "":
		return DefaultPrecision, nil
	default:
		return "", fmt.Errorf("write precision %q not supported", s)
	}
}

// Valid reports whether p is one of the four supported resolutions.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionSeconds, PrecisionMilliseconds, PrecisionMicroseconds, PrecisionNanoseconds:
		return true
	}
	return false
}

// Duration returns the resolution as a time.Duration, ns for unknown values.
func (p Precision) Duration() time.Duration {
	switch p {
	case PrecisionSeconds:
		return time.Second
	case PrecisionMilliseconds:
		return time.Millisecond
	case PrecisionMicroseconds:
		return time.Microsecond
	default:
		return time.Nanosecond
	}
}

// Timestamp converts t to an integer count of p units since the Unix epoch.
func (p Precision) Timestamp(t time.Time) int64 {
	switch p {
	case PrecisionSeconds:
		return t.Unix()
	case PrecisionMilliseconds:
		return t.UnixMilli()
	case PrecisionMicroseconds:
		return t.UnixMicro()
	default:
		return t.UnixNano()
	}
}

func (p Precision) String() string {
	return string(p)
}

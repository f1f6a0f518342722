package models

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind classifies a normalized field value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// KindOf reports the kind of an already-normalized value.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case string:
		return KindString
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case bool:
		return KindBool
	case time.Time:
		return KindTime
	default:
		return KindInvalid
	}
}

// NormalizeValue maps any supported Go value onto one of string, int64,
// float64, bool or time.Time. Decimals become float64.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return x, nil
	case time.Time:
		if x.IsZero() {
			return nil, fmt.Errorf("zero time value")
		}
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return checkFloat(float64(x))
	case float64:
		return checkFloat(x)
	case decimal.Decimal:
		return checkFloat(x.InexactFloat64())
	case *decimal.Decimal:
		if x == nil {
			return nil, fmt.Errorf("nil decimal")
		}
		return checkFloat(x.InexactFloat64())
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func uintToInt(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return int64(u), nil
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v", f)
	}
	return f, nil
}

// FormatValue renders a normalized value for logs and size estimates.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case int64:
		return strconv.FormatInt(x, 10) + "i"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

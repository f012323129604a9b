package records

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// AsString renders a driver value as text. NULL becomes "" with ok=false.
func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// AsInt64 converts integer-like driver values. Floats must be integral.
func AsInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("value %v is not integral", t)
		}
		return int64(t), nil
	case []byte:
		return AsInt64(string(t))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int %q: %w", t, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

// AsFloat64 converts numeric driver values, including decimal strings such as
// "12.50" (Postgres NUMERIC and MSSQL DECIMAL arrive as text or bytes).
func AsFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case []byte:
		return AsFloat64(string(t))
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("parse float %q: %w", t, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}

// AsBool accepts native booleans, 0/1 integers and the usual legacy text
// encodings: t/f, true/false, y/n, yes/no, on/off, 1/0.
func AsBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return boolFromInt(t)
	case int:
		return boolFromInt(int64(t))
	case int32:
		return boolFromInt(int64(t))
	case float64:
		return boolFromInt(int64(t))
	case []byte:
		return AsBool(string(t))
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "t", "true", "y", "yes", "on":
			return true, nil
		case "0", "f", "false", "n", "no", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("unrecognized boolean %q", t)
	case nil:
		return false, fmt.Errorf("null value")
	default:
		return false, fmt.Errorf("unsupported bool type %T", v)
	}
}

func boolFromInt(n int64) (bool, error) {
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("integer %d is not a boolean", n)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// AsTime converts driver timestamps to UTC. Text without an offset is read as UTC,
// which is how the legacy application stored naive datetimes.
func AsTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return AsTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unsupported time format %q", t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("null value")
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errNotInteger = errors.New("not an integer")
	errNotNumber  = errors.New("not a number")
	errNotBoolean = errors.New("not a boolean")
	errNotString  = errors.New("not a string")
)

// Coerce converts v to the canonical Go representation of t: int64 for
// integers, float64 for numbers, bool for booleans and string for strings.
// Numeric strings such as "12345" are accepted where a number is expected,
// and scalars are formatted where a string is expected. Structured values
// (maps, slices) are never coercible.
func Coerce(t ParamType, v any) (any, error) {
	switch t {
	case ParamInteger:
		return toInt(v)
	case ParamNumber:
		return toFloat(v)
	case ParamBoolean:
		return toBool(v)
	case ParamString:
		return toString(v)
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt(n)
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, errNotInteger
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errNotInteger
		}
		return floatToInt(f)
	}
	return 0, errNotInteger
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d overflows int64", errNotInteger, u)
	}
	return int64(u), nil
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errNotInteger
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %g overflows int64", errNotInteger, f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, errNotNumber
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, errNotNumber
		}
		f = parsed
	default:
		return 0, errNotNumber
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotNumber
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		}
		return false, errNotBoolean
	case json.Number, int, int64, float64:
		f, err := toFloat(b)
		if err != nil {
			return false, errNotBoolean
		}
		switch f {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	}
	return false, errNotBoolean
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	case int:
		return strconv.Itoa(s), nil
	case int32:
		return strconv.FormatInt(int64(s), 10), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case uint64:
		return strconv.FormatUint(s, 10), nil
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	}
	return "", errNotString
}

// enumKey renders a coerced value in the form used for enum comparison.
func enumKey(v any) string {
	s, err := toString(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

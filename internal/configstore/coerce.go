package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errNotIntegral = errors.New("value has a fractional part")
	errUnsupported = errors.New("unsupported value")
)

// Coerce converts raw to the Go representation of t: int64 for integers,
// float64 for floats and string for strings.
func Coerce(t ValueType, raw any) (any, error) {
	var (
		v   any
		err error
	)
	switch t {
	case TypeInteger:
		v, err = toInteger(raw)
	case TypeFloat:
		v, err = toFloat(raw)
	case TypeString:
		v, err = toString(raw)
	default:
		err = fmt.Errorf("unknown type %q", t)
	}
	if err != nil {
		return nil, &CoercionError{Type: t, Value: raw, Err: err}
	}
	return v, nil
}

func toInteger(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case float32:
		return floatToInteger(float64(v))
	case float64:
		return floatToInteger(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInteger(f)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, errUnsupported
	}
}

func floatToInteger(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errNotIntegral
	}
	if f >= 1<<63 || f < -(1<<63) {
		return 0, strconv.ErrRange
	}
	return int64(f), nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, errUnsupported
	}
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", errUnsupported
	}
}

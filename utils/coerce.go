package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

// Coerce converts v into the Go type of the declared field type:
// int32, int64, float32, float64, string, bool or time.Time.
// nil stays nil; values that cannot be represented return an error.
func Coerce(v interface{}, typ constants.FSType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && s == "" && typ != constants.FS_STRING {
		return nil, nil
	}
	switch typ {
	case constants.FS_INT32, constants.FS_INT64:
		i, ok := toInteger(v)
		if !ok {
			return nil, fmt.Errorf("value %v is not a %s", v, typ)
		}
		if typ == constants.FS_INT32 {
			if i > math.MaxInt32 || i < math.MinInt32 {
				return nil, fmt.Errorf("value %v overflows %s", v, typ)
			}
			return int32(i), nil
		}
		return i, nil
	case constants.FS_FLOAT, constants.FS_DOUBLE:
		f := ToFloat(v, math.NaN())
		if math.IsNaN(f) {
			if s, ok := v.(string); !ok || !strings.EqualFold(strings.TrimSpace(s), "nan") {
				return nil, fmt.Errorf("value %v is not a %s", v, typ)
			}
		}
		if typ == constants.FS_FLOAT {
			return float32(f), nil
		}
		return f, nil
	case constants.FS_STRING:
		return ToString(v, ""), nil
	case constants.FS_BOOLEAN:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("value %v is not a %s", v, typ)
			}
			return parsed, nil
		default:
			if i, ok := toInteger(v); ok {
				return i != 0, nil
			}
		}
		return nil, fmt.Errorf("value %v is not a %s", v, typ)
	case constants.FS_TIMESTAMP:
		t, err := ToTime(v)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return v, nil
}

func toInteger(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case int, int32, int64, uint32, uint64:
		return ToInt64(value, 0), true
	case float32:
		return int64(value), float64(value) == math.Trunc(float64(value))
	case float64:
		return int64(value), value == math.Trunc(value)
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i, true
		}
		f, err := value.Float64()
		return int64(f), err == nil && f == math.Trunc(f)
	case string:
		s := strings.TrimSpace(value)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return int64(f), err == nil && f == math.Trunc(f)
	case bool:
		if value {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

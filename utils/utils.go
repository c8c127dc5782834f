package utils

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

func Md5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func ToString(i interface{}, defaultVal string) string {
	switch value := i.(type) {
	case nil:
		return defaultVal
	case string:
		return value
	case []byte:
		return string(value)
	case int:
		return strconv.Itoa(value)
	case int32:
		return strconv.FormatInt(int64(value), 10)
	case int64:
		return strconv.FormatInt(value, 10)
	case uint32:
		return strconv.FormatUint(uint64(value), 10)
	case uint64:
		return strconv.FormatUint(value, 10)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case json.Number:
		return value.String()
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func ToInt64(i interface{}, defaultVal int64) int64 {
	switch value := i.(type) {
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case int64:
		return value
	case uint32:
		return int64(value)
	case uint64:
		return int64(value)
	case float32:
		return int64(value)
	case float64:
		return int64(value)
	case bool:
		if value {
			return 1
		}
		return 0
	case json.Number:
		if v, err := value.Int64(); err == nil {
			return v
		}
		if f, err := value.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return v
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && f == math.Trunc(f) {
			return int64(f)
		}
	}
	return defaultVal
}

func ToFloat(i interface{}, defaultVal float64) float64 {
	switch value := i.(type) {
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int32:
		return float64(value)
	case int64:
		return float64(value)
	case json.Number:
		if f, err := value.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ToTime converts time values, RFC3339-like strings and unix seconds.
func ToTime(i interface{}) (time.Time, error) {
	switch value := i.(type) {
	case time.Time:
		return value, nil
	case *time.Time:
		if value != nil {
			return *value, nil
		}
	case int, int32, int64, float32, float64, json.Number:
		secs := ToFloat(value, math.NaN())
		if math.IsNaN(secs) {
			break
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			break
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return ToTime(json.Number(s))
		}
		return time.Time{}, fmt.Errorf("invalid time value:%s", s)
	}
	return time.Time{}, fmt.Errorf("invalid time value:%v", i)
}

const versionBias = uint64(1) << 63

// VersionKey encodes (timestamp, created) as a fixed width string whose
// lexical order equals the (timestamp, created) order. Online stores compare
// it to decide whether an incoming row may overwrite the stored one.
func VersionKey(ts, created time.Time) string {
	return fmt.Sprintf("%016x%016x", uint64(unixNano(ts))^versionBias, uint64(unixNano(created))^versionBias)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

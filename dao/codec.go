package dao

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

const (
	payloadTimestampKey = "__event_timestamp__"
	payloadCreatedKey   = "__created_timestamp__"
)

// RowCodec serializes feature rows as protobuf Structs. Integers and
// timestamps travel as strings so that no precision is lost; the declared
// field types restore them on decode.
type RowCodec struct {
	fieldTypes map[string]constants.FSType
}

func NewRowCodec(fieldTypes map[string]constants.FSType) RowCodec {
	return RowCodec{fieldTypes: fieldTypes}
}

func (c RowCodec) encodeFields(values map[string]interface{}, extra map[string]interface{}) ([]byte, error) {
	m := make(map[string]interface{}, len(values)+len(extra))
	for k, v := range values {
		switch value := v.(type) {
		case int64:
			m[k] = strconv.FormatInt(value, 10)
		case int:
			m[k] = strconv.Itoa(value)
		case time.Time:
			m[k] = value.UTC().Format(time.RFC3339Nano)
		default:
			m[k] = value
		}
	}
	for k, v := range extra {
		m[k] = v
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode feature values: %w", err)
	}
	return proto.Marshal(s)
}

func (c RowCodec) decodeFields(data []byte) (map[string]interface{}, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode feature values: %w", err)
	}
	m := s.AsMap()
	for k, v := range m {
		typ, ok := c.fieldTypes[k]
		if !ok {
			continue
		}
		coerced, err := utils.Coerce(v, typ)
		if err != nil {
			return nil, fmt.Errorf("decode feature %s: %w", k, err)
		}
		m[k] = coerced
	}
	return m, nil
}

func (c RowCodec) EncodeValues(values map[string]interface{}) ([]byte, error) {
	return c.encodeFields(values, nil)
}

func (c RowCodec) DecodeValues(data []byte) (map[string]interface{}, error) {
	return c.decodeFields(data)
}

// EncodeRow keeps the row's timestamps next to its values.
func (c RowCodec) EncodeRow(row *api.FeatureRow) ([]byte, error) {
	extra := map[string]interface{}{
		payloadTimestampKey: row.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if !row.Created.IsZero() {
		extra[payloadCreatedKey] = row.Created.UTC().Format(time.RFC3339Nano)
	}
	return c.encodeFields(row.Values, extra)
}

func (c RowCodec) DecodeRow(key string, data []byte) (*api.FeatureRow, error) {
	m, err := c.decodeFields(data)
	if err != nil {
		return nil, err
	}
	row := &api.FeatureRow{EntityKey: key}
	if v, ok := m[payloadTimestampKey]; ok {
		if row.Timestamp, err = time.Parse(time.RFC3339Nano, utils.ToString(v, "")); err != nil {
			return nil, fmt.Errorf("decode row timestamp: %w", err)
		}
		delete(m, payloadTimestampKey)
	}
	if v, ok := m[payloadCreatedKey]; ok {
		if row.Created, err = time.Parse(time.RFC3339Nano, utils.ToString(v, "")); err != nil {
			return nil, fmt.Errorf("decode row created timestamp: %w", err)
		}
		delete(m, payloadCreatedKey)
	}
	row.Values = m
	return row, nil
}

// timeToNanos maps the zero time below every real instant.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == math.MinInt64 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

package utils

import (
	"fmt"
	"testing"
	"time"

	"fortio.org/assert"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

func TestVersionKeyOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ordered := []string{
		VersionKey(time.Unix(-10, 0), time.Time{}),
		VersionKey(base, time.Time{}),
		VersionKey(base, base),
		VersionKey(base, base.Add(time.Nanosecond)),
		VersionKey(base.Add(time.Nanosecond), time.Time{}),
		VersionKey(base.Add(time.Hour), base),
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i-1] < ordered[i], "version keys out of order at", fmt.Sprint(i))
		assert.Equal(t, 32, len(ordered[i]))
	}
}

func TestCoerce(t *testing.T) {
	for name, testcase := range map[string]struct {
		in      interface{}
		typ     constants.FSType
		want    interface{}
		wantErr bool
	}{
		"csv integer":          {in: "42", typ: constants.FS_INT64, want: int64(42)},
		"json float integer":   {in: float64(7), typ: constants.FS_INT64, want: int64(7)},
		"fractional to int":    {in: 7.5, typ: constants.FS_INT64, wantErr: true},
		"int32 overflow":       {in: int64(1) << 40, typ: constants.FS_INT32, wantErr: true},
		"double from string":   {in: "1.25", typ: constants.FS_DOUBLE, want: 1.25},
		"float":                {in: 0.5, typ: constants.FS_FLOAT, want: float32(0.5)},
		"string from int":      {in: 12, typ: constants.FS_STRING, want: "12"},
		"bool from string":     {in: "true", typ: constants.FS_BOOLEAN, want: true},
		"bool from int":        {in: int64(0), typ: constants.FS_BOOLEAN, want: false},
		"empty csv cell":       {in: "", typ: constants.FS_INT64, want: nil},
		"empty string kept":    {in: "", typ: constants.FS_STRING, want: ""},
		"not a number":         {in: "abc", typ: constants.FS_DOUBLE, wantErr: true},
		"timestamp from unix":  {in: int64(10), typ: constants.FS_TIMESTAMP, want: time.Unix(10, 0).UTC()},
		"timestamp from date":  {in: "2024-03-01", typ: constants.FS_TIMESTAMP, want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		"bad timestamp string": {in: "yesterday", typ: constants.FS_TIMESTAMP, wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Coerce(testcase.in, testcase.typ)
			if testcase.wantErr {
				assert.True(t, err != nil, "expected error")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, testcase.want, got)
		})
	}
}

func TestToString(t *testing.T) {
	assert.Equal(t, "P00000001", ToString("P00000001", ""))
	assert.Equal(t, "5", ToString(int64(5), ""))
	assert.Equal(t, "5", ToString(5.0, ""))
	assert.Equal(t, "x", ToString(nil, "x"))
}

package datasource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fortio.org/assert"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

const driverStatsCSV = `driver_id,event_timestamp,created,conv_rate,city
1001,2024-01-01T00:00:00Z,2024-01-01T00:00:05Z,0.5,hz
1002,2024-01-01T01:00:00Z,,0.7,bj
1001,2024-01-01T02:00:00Z,2024-01-01T02:00:01Z,0.9,hz
1003,2024-01-02T00:00:00Z,,0.1,sh
`

const driverStatsJSONL = `{"driver_id": 1001, "event_timestamp": "2024-01-01T00:00:00Z", "conv_rate": 0.5}
{"driver_id": 1002, "event_timestamp": "2024-01-01T01:00:00Z", "conv_rate": 0.7}

{"driver_id": 1003, "event_timestamp": "2024-01-02T00:00:00Z"}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fileSource(t *testing.T, path string, mutate func(*api.Datasource)) *FileSource {
	t.Helper()
	ds := &api.Datasource{
		Name:                  "driver_stats_source",
		Type:                  constants.Datasource_Type_File,
		Path:                  path,
		TimestampField:        "event_timestamp",
		CreatedTimestampField: "created",
	}
	if mutate != nil {
		mutate(ds)
	}
	src, err := NewFileSource(ds)
	assert.NoError(t, err)
	return src
}

func day(h int) time.Time {
	return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC)
}

func TestFileSourceCSV(t *testing.T) {
	src := fileSource(t, writeFile(t, "stats.csv", driverStatsCSV), nil)

	for name, testcase := range map[string]struct {
		tr       api.TimeRange
		wantKeys []interface{}
	}{
		"unbounded":      {tr: api.TimeRange{}, wantKeys: []interface{}{int64(1001), int64(1002), int64(1001), int64(1003)}},
		"inclusive ends": {tr: api.TimeRange{Start: day(1), End: day(2)}, wantKeys: []interface{}{int64(1002), int64(1001)}},
		"left exclusive": {tr: api.TimeRange{Start: day(1), End: day(2), StartExclusive: true}, wantKeys: []interface{}{int64(1001)}},
		"empty range":    {tr: api.TimeRange{Start: day(5), End: day(6)}, wantKeys: nil},
	} {
		t.Run(name, func(t *testing.T) {
			it, err := src.ResolveBatch(context.Background(), []string{"driver_id", "conv_rate"}, testcase.tr)
			assert.NoError(t, err)
			records, err := Collect(it)
			assert.NoError(t, err)
			var keys []interface{}
			for _, r := range records {
				keys = append(keys, r.Fields["driver_id"])
				_, hasCity := r.Fields["city"]
				assert.False(t, hasCity, "columns are projected")
			}
			assert.Equal(t, testcase.wantKeys, keys)
		})
	}
}

func TestFileSourceTimestamps(t *testing.T) {
	src := fileSource(t, writeFile(t, "stats.csv", driverStatsCSV), nil)
	it, err := src.ResolveBatch(context.Background(), nil, api.TimeRange{})
	assert.NoError(t, err)
	records, err := Collect(it)
	assert.NoError(t, err)
	assert.Equal(t, 4, len(records))
	assert.Equal(t, day(0), records[0].Timestamp)
	assert.Equal(t, day(0).Add(5*time.Second), records[0].Created)
	assert.True(t, records[1].Created.IsZero())
	assert.Equal(t, 0.5, records[0].Fields["conv_rate"])
	assert.Equal(t, "hz", records[0].Fields["city"])
}

func TestFileSourceFilter(t *testing.T) {
	src := fileSource(t, writeFile(t, "stats.csv", driverStatsCSV), func(ds *api.Datasource) {
		ds.Filter = `conv_rate > 0.6 && city != "sh"`
	})
	it, err := src.ResolveBatch(context.Background(), []string{"driver_id"}, api.TimeRange{})
	assert.NoError(t, err)
	records, err := Collect(it)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, int64(1002), records[0].Fields["driver_id"])
	assert.Equal(t, int64(1001), records[1].Fields["driver_id"])
}

func TestFileSourceJSONL(t *testing.T) {
	src := fileSource(t, writeFile(t, "stats.jsonl", driverStatsJSONL), func(ds *api.Datasource) {
		ds.CreatedTimestampField = ""
	})
	assert.Equal(t, constants.File_Format_JSONL, src.Format())
	it, err := src.ResolveBatch(context.Background(), []string{"driver_id", "conv_rate"}, api.TimeRange{})
	assert.NoError(t, err)
	records, err := Collect(it)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(records))
	assert.Equal(t, int64(1001), records[0].Fields["driver_id"])
	assert.Equal(t, 0.7, records[1].Fields["conv_rate"])
	assert.Equal(t, nil, records[2].Fields["conv_rate"])
}

func TestFileSourceErrors(t *testing.T) {
	path := writeFile(t, "stats.csv", driverStatsCSV)

	src := fileSource(t, filepath.Join(t.TempDir(), "missing.csv"), nil)
	_, err := src.ResolveBatch(context.Background(), nil, api.TimeRange{})
	assert.True(t, errors.Is(err, api.ErrSourceUnavailable), fmt.Sprint(err))
	assert.True(t, api.IsRetryable(err))

	src = fileSource(t, path, nil)
	_, err = src.ResolveBatch(context.Background(), []string{"acc_rate"}, api.TimeRange{})
	assert.True(t, errors.Is(err, api.ErrSchemaMismatch), fmt.Sprint(err))

	src = fileSource(t, path, func(ds *api.Datasource) { ds.TimestampField = "ts" })
	_, err = src.ResolveBatch(context.Background(), nil, api.TimeRange{})
	assert.True(t, errors.Is(err, api.ErrSchemaMismatch), fmt.Sprint(err))

	src = fileSource(t, path, func(ds *api.Datasource) { ds.Filter = "trips > 3" })
	_, err = src.ResolveBatch(context.Background(), nil, api.TimeRange{})
	assert.True(t, errors.Is(err, api.ErrSchemaMismatch), fmt.Sprint(err))

	src = fileSource(t, writeFile(t, "bad.csv", "driver_id,event_timestamp,created\n1,yesterday,\n"), nil)
	it, err := src.ResolveBatch(context.Background(), nil, api.TimeRange{})
	assert.NoError(t, err)
	_, err = Collect(it)
	assert.True(t, errors.Is(err, api.ErrInvalidTimestamp), fmt.Sprint(err))
}

func TestFileSourceCancel(t *testing.T) {
	src := fileSource(t, writeFile(t, "stats.csv", driverStatsCSV), nil)
	ctx, cancel := context.WithCancel(context.Background())
	it, err := src.ResolveBatch(ctx, nil, api.TimeRange{})
	assert.NoError(t, err)
	cancel()
	_, err = Collect(it)
	assert.True(t, errors.Is(err, context.Canceled))
}

type recordingWriter struct {
	source string
	rows   []IndexedRecord
}

func (w *recordingWriter) WriteRows(ctx context.Context, source string, rows []IndexedRecord, mode constants.PushMode) (*api.WriteReceipt, error) {
	w.source = source
	w.rows = append(w.rows, rows...)
	return &api.WriteReceipt{Accepted: len(rows)}, nil
}

func TestPushSourceAccept(t *testing.T) {
	path := writeFile(t, "stats.csv", driverStatsCSV)
	sources, err := NewSources([]*api.Datasource{
		{Name: "driver_stats_push", Type: constants.Datasource_Type_Push, BatchSource: "driver_stats_source"},
		{Name: "driver_stats_source", Type: constants.Datasource_Type_File, Path: path, TimestampField: "event_timestamp", CreatedTimestampField: "created"},
	}, "")
	assert.NoError(t, err)
	push, ok := sources["driver_stats_push"].(PushSource)
	assert.True(t, ok)
	assert.Equal(t, "event_timestamp", push.TimestampField())
	assert.Equal(t, "driver_stats_source", push.BatchSource().Name())

	_, err = push.Accept(context.Background(), nil, constants.PushMode_Online)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	w := &recordingWriter{}
	push.Bind(w)
	receipt, err := push.Accept(context.Background(), []map[string]interface{}{
		{"driver_id": 1001, "event_timestamp": "2024-01-01T00:00:00Z", "conv_rate": 0.5},
		{"driver_id": 1002},
		{"driver_id": 1003, "event_timestamp": "not a time"},
		{"driver_id": 1004, "event_timestamp": int64(1704067200), "created": "2024-01-01T00:00:01Z"},
	}, constants.PushMode_OnlineAndOffline)
	assert.NoError(t, err)
	assert.Equal(t, "driver_stats_push", w.source)
	assert.Equal(t, 2, receipt.Accepted)
	assert.Equal(t, 2, receipt.Rejected)
	assert.Equal(t, 1, receipt.Errors[0].Index)
	assert.Equal(t, "InvalidTimestamp", receipt.Errors[1].Code)
	assert.Equal(t, 3, w.rows[1].Index)
	assert.Equal(t, day(0), w.rows[1].Record.Timestamp)
	assert.Equal(t, day(0).Add(time.Second), w.rows[1].Record.Created)
}

func TestNewSourcesValidation(t *testing.T) {
	for name, testcase := range map[string]struct {
		decls []*api.Datasource
		want  error
	}{
		"duplicate": {
			decls: []*api.Datasource{
				{Name: "a", Type: "file", Path: "a.csv", TimestampField: "ts"},
				{Name: "a", Type: "file", Path: "b.csv", TimestampField: "ts"},
			},
			want: api.ErrInvalidArgument,
		},
		"unknown type":      {decls: []*api.Datasource{{Name: "a", Type: "kafka", TimestampField: "ts"}}, want: api.ErrInvalidArgument},
		"missing timestamp": {decls: []*api.Datasource{{Name: "a", Type: "file", Path: "a.csv"}}, want: api.ErrInvalidArgument},
		"bad filter":        {decls: []*api.Datasource{{Name: "a", Type: "file", Path: "a.csv", TimestampField: "ts", Filter: "a >"}}, want: api.ErrInvalidArgument},
		"push without batch": {
			decls: []*api.Datasource{{Name: "p", Type: "push"}},
			want:  api.ErrInvalidArgument,
		},
		"push unknown batch": {
			decls: []*api.Datasource{{Name: "p", Type: "push", BatchSource: "nope"}},
			want:  api.ErrUnknownReference,
		},
		"push over push": {
			decls: []*api.Datasource{
				{Name: "a", Type: "file", Path: "a.csv", TimestampField: "ts"},
				{Name: "p", Type: "push", BatchSource: "a"},
				{Name: "q", Type: "push", BatchSource: "p"},
			},
			want: api.ErrInvalidArgument,
		},
		"query needs table or query": {
			decls: []*api.Datasource{{Name: "q", Type: "query", Driver: "mysql", DSN: "u:p@tcp(127.0.0.1:3306)/db", TimestampField: "ts"}},
			want:  api.ErrInvalidArgument,
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewSources(testcase.decls, "")
			assert.True(t, errors.Is(err, testcase.want), fmt.Sprint(err))
		})
	}
}

func TestQuerySourceSQL(t *testing.T) {
	src, err := NewQuerySource(&api.Datasource{
		Name:           "driver_stats_pg",
		Type:           constants.Datasource_Type_Query,
		Driver:         "postgres",
		DSN:            "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1",
		Query:          "select * from driver_stats where city = 'hz';",
		TimestampField: "event_timestamp",
	})
	assert.NoError(t, err)
	defer src.Close()

	assert.Equal(t, `SELECT * FROM (select * from driver_stats where city = 'hz') AS src WHERE 1 = 0`, src.probeSQL())

	query, args := src.selectSQL([]string{"event_timestamp", "driver_id"}, api.TimeRange{Start: day(0), End: day(2), StartExclusive: true})
	assert.Equal(t, `SELECT "event_timestamp", "driver_id" FROM (select * from driver_stats where city = 'hz') AS src WHERE "event_timestamp" > $1 AND "event_timestamp" <= $2 ORDER BY "event_timestamp" ASC`, query)
	assert.Equal(t, []interface{}{day(0), day(2)}, args)

	_, err = src.ResolveBatch(context.Background(), []string{"driver_id"}, api.TimeRange{})
	assert.True(t, errors.Is(err, api.ErrSourceUnavailable), fmt.Sprint(err))
}

func TestQuerySourceMysqlTable(t *testing.T) {
	src, err := NewQuerySource(&api.Datasource{
		Name:           "driver_stats_mysql",
		Type:           constants.Datasource_Type_Query,
		Driver:         "mysql",
		DSN:            "u:p@tcp(127.0.0.1:1)/db?timeout=1s",
		Table:          "driver_stats",
		TimestampField: "event_timestamp",
	})
	assert.NoError(t, err)
	defer src.Close()

	query, _ := src.selectSQL([]string{"event_timestamp"}, api.TimeRange{Start: day(0)})
	assert.True(t, strings.HasPrefix(query, "SELECT `event_timestamp` FROM driver_stats WHERE `event_timestamp` >= ?"), query)
}

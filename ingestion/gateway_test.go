package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fortio.org/assert"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

const driverCSV = `driver_id,event_timestamp,created,conv_rate,trips
1001,2024-03-01T10:00:00Z,2024-03-01T10:00:01Z,0.1,3
1002,2024-03-01T10:00:00Z,2024-03-01T10:00:01Z,0.2,4
1001,2024-03-01T11:00:00Z,2024-03-01T11:00:01Z,0.3,five
`

func newTestGateway(t *testing.T, project string, offline *api.StoreConfig) (*Gateway, *domain.Registry) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driver_stats.csv")
	assert.NoError(t, os.WriteFile(path, []byte(driverCSV), 0o644))
	repo := &api.Repo{
		Project:      project,
		OfflineStore: offline,
		FeatureEntities: []*api.FeatureEntity{
			{FeatureEntityName: "driver", FeatureEntityJoinid: "driver_id"},
		},
		Datasources: []*api.Datasource{
			{Name: "driver_stats", Type: "file", Path: path, TimestampField: "event_timestamp", CreatedTimestampField: "created"},
			{Name: "driver_stats_push", Type: "push", BatchSource: "driver_stats"},
		},
		FeatureViews: []*api.FeatureView{
			{
				Name: "driver_fresh", FeatureEntityName: "driver", Datasource: "driver_stats_push",
				Ttl: api.Duration(time.Hour),
				Fields: []*api.FeatureViewFields{
					{Name: "conv_rate", Type: constants.FS_DOUBLE},
					{Name: "trips", Type: constants.FS_INT64},
				},
			},
			{
				Name: "driver_rates", FeatureEntityName: "driver", Datasource: "driver_stats_push",
				Fields: []*api.FeatureViewFields{{Name: "conv_rate", Type: constants.FS_DOUBLE}},
			},
		},
	}
	registry := domain.NewRegistry()
	gateway := NewGateway(registry, WithClock(fixedClock))
	_, err := registry.Apply(repo)
	assert.Equal(t, nil, err)
	return gateway, registry
}

func onlineRow(t *testing.T, registry *domain.Registry, view, key string) *api.FeatureRow {
	p, err := registry.Project()
	assert.Equal(t, nil, err)
	rows, err := p.GetFeatureView(view).OnlineDao().GetFeatures(context.Background(), []string{key})
	assert.Equal(t, nil, err)
	return rows[key]
}

func offlineRows(t *testing.T, registry *domain.Registry, view string) []*api.FeatureRow {
	p, _ := registry.Project()
	var rows []*api.FeatureRow
	err := p.GetFeatureView(view).OfflineDao().ScanRange(context.Background(), api.TimeRange{}, func(row *api.FeatureRow) error {
		rows = append(rows, row)
		return nil
	})
	assert.Equal(t, nil, err)
	return rows
}

func TestPushToPushSource(t *testing.T) {
	gateway, registry := newTestGateway(t, "gw_push_source", nil)
	ctx := context.Background()

	receipt, err := gateway.Push(ctx, "driver_stats_push", []map[string]interface{}{
		{"driver_id": 1001, "event_timestamp": "2024-03-01T11:00:00Z", "conv_rate": 0.5, "trips": 7},
		{"event_timestamp": "2024-03-01T11:00:00Z", "conv_rate": 0.5},
		{"driver_id": 1002, "event_timestamp": "2024-03-01T12:10:00Z", "conv_rate": 0.5},
		{"driver_id": 1003, "event_timestamp": "yesterday", "conv_rate": 0.5},
		nil,
	}, constants.PushMode_OnlineAndOffline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, receipt.Accepted)
	assert.Equal(t, 4, receipt.Rejected)
	// one row, two views
	assert.Equal(t, 2, receipt.OnlineApplied)
	assert.Equal(t, 2, receipt.OfflineAdded)

	codes := make(map[int]string)
	for _, e := range receipt.Errors {
		codes[e.Index] = e.Code
	}
	assert.Equal(t, map[int]string{
		1: "InvalidArgument",
		2: "InvalidTimestamp",
		3: "InvalidTimestamp",
		4: "InvalidArgument",
	}, codes)

	row := onlineRow(t, registry, "driver_fresh", "1001")
	assert.True(t, row != nil)
	assert.Equal(t, 0.5, row.Values["conv_rate"])
	assert.Equal(t, int64(7), row.Values["trips"])
	assert.Equal(t, 1, len(offlineRows(t, registry, "driver_rates")))
}

func TestPushWithinClockSkew(t *testing.T) {
	gateway, _ := newTestGateway(t, "gw_skew", nil)
	receipt, err := gateway.Push(context.Background(), "driver_fresh", []map[string]interface{}{
		{"driver_id": 1, "event_timestamp": now.Add(DefaultMaxClockSkew)},
		{"driver_id": 2, "event_timestamp": now.Add(DefaultMaxClockSkew + time.Nanosecond)},
	}, constants.PushMode_Online)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, receipt.Accepted)
	assert.Equal(t, 1, receipt.Rejected)
	assert.Equal(t, 1, receipt.Errors[0].Index)
}

func TestPushIsIdempotent(t *testing.T) {
	gateway, registry := newTestGateway(t, "gw_idempotent", nil)
	ctx := context.Background()
	records := []map[string]interface{}{
		{"driver_id": "1001", "event_timestamp": "2024-03-01T10:00:00Z", "created": "2024-03-01T10:00:05Z", "conv_rate": 0.1},
		{"driver_id": "1002", "event_timestamp": "2024-03-01T10:00:00Z", "conv_rate": 0.2},
	}

	first, err := gateway.Push(ctx, "driver_fresh", records, constants.PushMode_OnlineAndOffline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, first.OfflineAdded)
	assert.Equal(t, 2, first.OnlineApplied)

	second, err := gateway.Push(ctx, "driver_fresh", records, constants.PushMode_OnlineAndOffline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, second.Accepted)
	assert.Equal(t, 0, second.OfflineAdded)
	assert.Equal(t, 0, second.OnlineApplied)
	assert.Equal(t, 2, len(offlineRows(t, registry, "driver_fresh")))
}

func TestPushConditionalOverwrite(t *testing.T) {
	gateway, registry := newTestGateway(t, "gw_overwrite", nil)
	ctx := context.Background()
	push := func(ts, created string, rate float64) int {
		rec := map[string]interface{}{"driver_id": "7", "event_timestamp": ts, "conv_rate": rate}
		if created != "" {
			rec["created"] = created
		}
		receipt, err := gateway.Push(ctx, "driver_fresh", []map[string]interface{}{rec}, constants.PushMode_Online)
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, receipt.Accepted)
		return receipt.OnlineApplied
	}

	assert.Equal(t, 1, push("2024-03-01T10:03:00Z", "", 3))
	assert.Equal(t, 0, push("2024-03-01T10:01:00Z", "", 1))
	assert.Equal(t, 3.0, onlineRow(t, registry, "driver_fresh", "7").Values["conv_rate"])

	// same timestamp, later created time wins
	assert.Equal(t, 1, push("2024-03-01T10:03:00Z", "2024-03-01T10:04:00Z", 4))
	assert.Equal(t, 0, push("2024-03-01T10:03:00Z", "2024-03-01T10:03:30Z", 5))
	assert.Equal(t, 4.0, onlineRow(t, registry, "driver_fresh", "7").Values["conv_rate"])
	// online only pushes leave the offline log alone
	assert.Equal(t, 0, len(offlineRows(t, registry, "driver_fresh")))
}

func TestPushOfflineOnly(t *testing.T) {
	gateway, registry := newTestGateway(t, "gw_offline_only", nil)
	receipt, err := gateway.Push(context.Background(), "driver_fresh", []map[string]interface{}{
		{"driver_id": "1", "event_timestamp": "2024-03-01T10:00:00Z", "conv_rate": 0.1},
	}, constants.PushMode_Offline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, receipt.OfflineAdded)
	assert.Equal(t, 0, receipt.OnlineApplied)
	assert.True(t, onlineRow(t, registry, "driver_fresh", "1") == nil)
}

func TestPushSkipsOnlineWhenOfflineFails(t *testing.T) {
	offline := &api.StoreConfig{Type: constants.Datasource_Type_Postgres, DSN: "postgres://u:p@127.0.0.1:1/fs?sslmode=disable&connect_timeout=1"}
	gateway, registry := newTestGateway(t, "gw_offline_down", offline)
	defer registry.Close()

	receipt, err := gateway.Push(context.Background(), "driver_fresh", []map[string]interface{}{
		{"driver_id": "1", "event_timestamp": "2024-03-01T10:00:00Z", "conv_rate": 0.1},
	}, constants.PushMode_OnlineAndOffline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, receipt.Accepted)
	assert.Equal(t, 1, receipt.Rejected)
	assert.Equal(t, "SourceUnavailable", receipt.Errors[0].Code)
	assert.True(t, onlineRow(t, registry, "driver_fresh", "1") == nil)
}

func TestPushRequestErrors(t *testing.T) {
	gateway, _ := newTestGateway(t, "gw_errors", nil)
	ctx := context.Background()

	_, err := gateway.Push(ctx, "nope", nil, constants.PushMode_Online)
	assert.True(t, errors.Is(err, api.ErrUnknownReference))

	_, err = gateway.Push(ctx, "driver_fresh", nil, constants.PushMode("sideways"))
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = gateway.Push(cancelled, "driver_fresh", nil, constants.PushMode_Online)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = NewGateway(domain.NewRegistry()).Push(ctx, "driver_fresh", nil, constants.PushMode_Online)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestLoadBatch(t *testing.T) {
	gateway, registry := newTestGateway(t, "gw_load_batch", nil)
	ctx := context.Background()
	p, _ := registry.Project()
	featureView := p.GetFeatureView("driver_fresh")

	receipt, err := gateway.LoadBatch(ctx, featureView, api.TimeRange{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, receipt.Accepted)
	assert.Equal(t, 2, receipt.OfflineAdded)
	assert.Equal(t, 1, receipt.Rejected)
	assert.Equal(t, 2, receipt.Errors[0].Index)
	assert.Equal(t, "SchemaMismatch", receipt.Errors[0].Code)

	again, err := gateway.LoadBatch(ctx, featureView, api.TimeRange{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, again.OfflineAdded)

	trips := make(map[string]interface{})
	for _, row := range offlineRows(t, registry, "driver_fresh") {
		trips[row.EntityKey] = row.Values["trips"]
	}
	assert.Equal(t, map[string]interface{}{"1001": int64(3), "1002": int64(4)}, trips)

	// only the range end is loaded
	rates := p.GetFeatureView("driver_rates")
	receipt, err = gateway.LoadBatch(ctx, rates, api.TimeRange{Start: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, receipt.OfflineAdded)
	assert.Equal(t, 0.3, offlineRows(t, registry, "driver_rates")[0].Values["conv_rate"])
}

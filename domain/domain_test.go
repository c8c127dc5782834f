package domain

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fortio.org/assert"
	"github.com/alicebob/miniredis/v2"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

func testRepo(t *testing.T, project string) *api.Repo {
	dir := t.TempDir()
	notOnline := false
	return &api.Repo{
		Project: project,
		FeatureEntities: []*api.FeatureEntity{
			{FeatureEntityName: "driver", FeatureEntityJoinid: "driver_id", ValueType: constants.FS_INT64},
			{FeatureEntityName: "customer", FeatureEntityJoinid: "customer_id"},
		},
		Datasources: []*api.Datasource{
			{Name: "driver_stats", Type: "file", Path: filepath.Join(dir, "driver_stats.csv"), TimestampField: "event_timestamp", CreatedTimestampField: "created"},
			{Name: "driver_stats_push", Type: "push", BatchSource: "driver_stats"},
			{Name: "customer_stats", Type: "file", Path: filepath.Join(dir, "customer_stats.jsonl"), TimestampField: "event_timestamp"},
		},
		FeatureViews: []*api.FeatureView{
			{
				Name: "driver_hourly_stats", FeatureEntityName: "driver", Datasource: "driver_stats",
				Ttl: api.Duration(24 * time.Hour),
				Fields: []*api.FeatureViewFields{
					{Name: "conv_rate", Type: constants.FS_DOUBLE},
					{Name: "acc_rate", Type: constants.FS_FLOAT},
					{Name: "avg_daily_trips", Type: constants.FS_INT64},
				},
			},
			{
				Name: "driver_fresh", FeatureEntityName: "driver", Datasource: "driver_stats_push",
				Ttl:    api.Duration(time.Hour),
				Fields: []*api.FeatureViewFields{{Name: "conv_rate", Type: constants.FS_DOUBLE}},
			},
			{
				Name: "customer_profile", FeatureEntityName: "customer", Datasource: "customer_stats",
				Online: &notOnline,
				Fields: []*api.FeatureViewFields{{Name: "lifetime_value", Type: constants.FS_INT64}},
			},
		},
		FeatureServices: []*api.FeatureService{
			{
				Name: "driver_activity",
				Features: []*api.FeatureServiceProjection{
					{FeatureViewName: "driver_hourly_stats", Features: []string{"conv_rate", "avg_daily_trips"}},
					{FeatureViewName: "driver_fresh", AliasNames: map[string]string{"conv_rate": "fresh_conv_rate"}},
				},
			},
		},
	}
}

func TestRegistryApply(t *testing.T) {
	registry := NewRegistry()
	defer registry.Close()

	_, err := registry.Project()
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	p, err := registry.Apply(testRepo(t, "apply_test"))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, int64(1), registry.Version())

	featureView := p.GetFeatureView("driver_hourly_stats")
	assert.True(t, featureView != nil)
	assert.Equal(t, "driver_id", featureView.GetJoinKey())
	assert.Equal(t, 24*time.Hour, featureView.GetTTL())
	assert.Equal(t, []string{"conv_rate", "acc_rate", "avg_daily_trips"}, featureView.FeatureNames())
	assert.Equal(t, "driver_stats", featureView.BatchSource().Name())

	fresh := p.GetFeatureView("driver_fresh")
	push, ok := fresh.PushSource()
	assert.True(t, ok)
	assert.Equal(t, "driver_stats_push", push.Name())
	assert.Equal(t, "driver_stats", fresh.BatchSource().Name())
	assert.Equal(t, 1, len(p.PushSources()))

	views := p.FeatureViewsOfSource("driver_stats")
	assert.Equal(t, 1, len(views))
	assert.Equal(t, "driver_hourly_stats", views[0].Name)

	_, err = p.FindFeatureService("nope")
	assert.True(t, errors.Is(err, api.ErrUnknownReference))

	var seen []int64
	registry.OnApply(func(p *Project) { seen = append(seen, p.Version) })
	p2, err := registry.Apply(testRepo(t, "apply_test"))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), p2.Version)
	assert.Equal(t, []int64{1, 2}, seen)
	current, _ := registry.Project()
	assert.True(t, current == p2)
}

func TestRegistryRejects(t *testing.T) {
	type when struct {
		mutate func(repo *api.Repo)
		code   api.ErrorCode
	}
	for name, testcase := range map[string]when{
		"unknown entity": {
			mutate: func(repo *api.Repo) { repo.FeatureViews[0].FeatureEntityName = "rider" },
			code:   api.CodeUnknownReference,
		},
		"unknown datasource": {
			mutate: func(repo *api.Repo) { repo.FeatureViews[0].Datasource = "nope" },
			code:   api.CodeUnknownReference,
		},
		"service references unknown view": {
			mutate: func(repo *api.Repo) { repo.FeatureServices[0].Features[0].FeatureViewName = "nope" },
			code:   api.CodeUnknownReference,
		},
		"service references unknown feature": {
			mutate: func(repo *api.Repo) { repo.FeatureServices[0].Features[0].Features = []string{"nope"} },
			code:   api.CodeUnknownReference,
		},
		"duplicate output name": {
			mutate: func(repo *api.Repo) { repo.FeatureServices[0].Features[1].AliasNames = nil },
			code:   api.CodeInvalidArgument,
		},
		"mixed join keys": {
			mutate: func(repo *api.Repo) {
				repo.FeatureServices[0].Features = append(repo.FeatureServices[0].Features,
					&api.FeatureServiceProjection{FeatureViewName: "customer_profile"})
			},
			code: api.CodeInvalidArgument,
		},
		"negative ttl": {
			mutate: func(repo *api.Repo) { repo.FeatureViews[0].Ttl = api.Duration(-time.Second) },
			code:   api.CodeInvalidArgument,
		},
		"field shadows join key": {
			mutate: func(repo *api.Repo) {
				repo.FeatureViews[0].Fields[0].Name = "driver_id"
				repo.FeatureServices = nil
			},
			code: api.CodeInvalidArgument,
		},
		"duplicate field": {
			mutate: func(repo *api.Repo) {
				repo.FeatureViews[0].Fields[1].Name = "conv_rate"
				repo.FeatureServices = nil
			},
			code: api.CodeInvalidArgument,
		},
		"duplicate view": {
			mutate: func(repo *api.Repo) { repo.FeatureViews[1].Name = "driver_hourly_stats" },
			code:   api.CodeInvalidArgument,
		},
		"entity without join key": {
			mutate: func(repo *api.Repo) { repo.FeatureEntities[0].FeatureEntityJoinid = "" },
			code:   api.CodeInvalidArgument,
		},
		"empty project": {
			mutate: func(repo *api.Repo) { repo.Project = "" },
			code:   api.CodeInvalidArgument,
		},
		"unknown online store": {
			mutate: func(repo *api.Repo) { repo.OnlineStore = &api.StoreConfig{Type: "cassandra"} },
			code:   api.CodeInvalidArgument,
		},
	} {
		t.Run(name, func(t *testing.T) {
			registry := NewRegistry()
			_, err := registry.Apply(testRepo(t, "rejects_test"))
			assert.Equal(t, nil, err)

			repo := testRepo(t, "rejects_test")
			testcase.mutate(repo)
			assert.Equal(t, testcase.code, api.CodeOf(registry.Validate(repo)))

			_, err = registry.Apply(repo)
			assert.Equal(t, testcase.code, api.CodeOf(err))
			// the previous snapshot stays current
			assert.Equal(t, int64(1), registry.Version())
			p, err := registry.Project()
			assert.Equal(t, nil, err)
			assert.True(t, p.GetFeatureService("driver_activity") != nil)
		})
	}
}

func TestFeatureServiceExpansion(t *testing.T) {
	p, err := NewProject(testRepo(t, "expansion_test"))
	assert.Equal(t, nil, err)

	service := p.GetFeatureService("driver_activity")
	assert.Equal(t, "driver_id", service.GetJoinKey())
	assert.Equal(t, []string{"conv_rate", "avg_daily_trips", "fresh_conv_rate"}, service.OutputNames())
	assert.Equal(t, 2, len(service.FeatureViews()))
	assert.Equal(t, "driver_fresh:conv_rate", service.Refs()[2].String())
	assert.Equal(t, 2, len(service.RefsOf(p.GetFeatureView("driver_hourly_stats"))))

	adhoc, err := p.ResolveFeatureRefs([]string{"driver_hourly_stats:acc_rate", "driver_hourly_stats:conv_rate"})
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"acc_rate", "conv_rate"}, adhoc.OutputNames())
	assert.Equal(t, 1, len(adhoc.FeatureViews()))

	_, err = p.ResolveFeatureRefs([]string{"driver_hourly_stats"})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = p.ResolveFeatureRefs([]string{"driver_hourly_stats:conv_rate", "driver_fresh:conv_rate"})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = p.ResolveFeatureRefs([]string{"nope:conv_rate"})
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
}

func TestToFeatureRow(t *testing.T) {
	p, err := NewProject(testRepo(t, "to_row_test"))
	assert.Equal(t, nil, err)
	featureView := p.GetFeatureView("driver_hourly_stats")
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	row, err := featureView.ToFeatureRow(&api.Record{
		Timestamp: ts,
		Fields:    map[string]interface{}{"driver_id": "1001", "conv_rate": "0.5", "avg_daily_trips": 12.0},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, "1001", row.EntityKey)
	assert.Equal(t, ts, row.Timestamp)
	assert.Equal(t, 0.5, row.Values["conv_rate"])
	assert.Equal(t, int64(12), row.Values["avg_daily_trips"])
	assert.Equal(t, nil, row.Values["acc_rate"])

	_, err = featureView.ToFeatureRow(&api.Record{Timestamp: ts, Fields: map[string]interface{}{"conv_rate": 1.0}})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	_, err = featureView.ToFeatureRow(&api.Record{Timestamp: ts, Fields: map[string]interface{}{"driver_id": "abc"}})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	_, err = featureView.ToFeatureRow(&api.Record{Timestamp: ts, Fields: map[string]interface{}{"driver_id": 7, "avg_daily_trips": "many"}})
	assert.True(t, errors.Is(err, api.ErrSchemaMismatch))
}

func TestServiceOnlineFeatures(t *testing.T) {
	ctx := context.Background()
	p, err := NewProject(testRepo(t, "online_features_test"))
	assert.Equal(t, nil, err)
	defer p.Close()

	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	hourly := p.GetFeatureView("driver_hourly_stats")
	fresh := p.GetFeatureView("driver_fresh")
	_, err = hourly.OnlineDao().WriteIfNewer(ctx, &api.FeatureRow{
		EntityKey: "1001", Timestamp: ts,
		Values: map[string]interface{}{"conv_rate": 0.1, "acc_rate": float32(0.2), "avg_daily_trips": int64(3)},
	})
	assert.Equal(t, nil, err)
	_, err = fresh.OnlineDao().WriteIfNewer(ctx, &api.FeatureRow{
		EntityKey: "1002", Timestamp: ts, Values: map[string]interface{}{"conv_rate": 0.9},
	})
	assert.Equal(t, nil, err)

	service := p.GetFeatureService("driver_activity")
	rows, err := service.GetOnlineFeatures(ctx, []string{"1001", "1002", "1003"})
	assert.Equal(t, nil, err)
	assert.Equal(t, []map[string]interface{}{
		{"driver_id": "1001", "conv_rate": 0.1, "avg_daily_trips": int64(3), "fresh_conv_rate": nil},
		{"driver_id": "1002", "conv_rate": nil, "avg_daily_trips": nil, "fresh_conv_rate": 0.9},
		{"driver_id": "1003", "conv_rate": nil, "avg_daily_trips": nil, "fresh_conv_rate": nil},
	}, rows)

	single, err := hourly.GetOnlineFeatures(ctx, []string{"1003", "1001"}, []string{"*"}, map[string]string{"acc_rate": "acc"})
	assert.Equal(t, nil, err)
	assert.Equal(t, []map[string]interface{}{
		{"driver_id": "1001", "conv_rate": 0.1, "acc": float32(0.2), "avg_daily_trips": int64(3)},
	}, single)

	_, err = hourly.GetOnlineFeatures(ctx, []string{"1001"}, []string{"speed"}, nil)
	assert.True(t, errors.Is(err, api.ErrUnknownReference))

	offline, err := p.ResolveFeatureRefs([]string{"customer_profile:lifetime_value"})
	assert.Equal(t, nil, err)
	_, err = offline.GetOnlineFeatures(ctx, []string{"c1"})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestStoreTableNames(t *testing.T) {
	p, err := NewProject(testRepo(t, "tables_test"))
	assert.Equal(t, nil, err)
	featureView := p.GetFeatureView("driver_fresh")

	redisStore := &RedisOnlineStore{name: "tables_test_online"}
	assert.Equal(t, utils.Md5("tables_test_driver_fresh_online")[:4]+"_", redisStore.GetTableName(featureView))
	assert.Equal(t, "tables_test_driver_fresh_online", (&MysqlOnlineStore{}).GetTableName(featureView))
	assert.Equal(t, "tables_test_driver_fresh_offline", (&HologresOfflineStore{}).GetTableName(featureView))

	cfg := redisStore.DaoConfig(featureView)
	assert.Equal(t, constants.Datasource_Type_Redis, cfg.DatasourceType)
	assert.Equal(t, constants.FS_DOUBLE, cfg.FieldTypeMap["conv_rate"])

	_, err = NewOnlineStore("tables_test", "", &api.StoreConfig{Type: constants.Datasource_Type_Mysql})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = NewOfflineStore("tables_test", "", &api.StoreConfig{Type: constants.Datasource_Type_Redis, Address: "x"})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func redisRepo(t *testing.T, project, address string) *api.Repo {
	repo := testRepo(t, project)
	repo.OnlineStore = &api.StoreConfig{Type: constants.Datasource_Type_Redis, Address: address}
	return repo
}

func TestRegistryKeepsLiveConnections(t *testing.T) {
	ctx := context.Background()
	live := miniredis.RunT(t)
	other := miniredis.RunT(t)

	registry := NewRegistry()
	registry.retireDelay = time.Hour
	defer registry.Close()

	p, err := registry.Apply(redisRepo(t, "live_conn_test", live.Addr()))
	assert.Equal(t, nil, err)
	online := p.GetFeatureView("driver_hourly_stats").OnlineDao()
	row := func(ts time.Time) *api.FeatureRow {
		return &api.FeatureRow{EntityKey: "1001", Timestamp: ts, Values: map[string]interface{}{"conv_rate": 0.5}}
	}
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	_, err = online.WriteIfNewer(ctx, row(ts))
	assert.Equal(t, nil, err)

	// same project on another address, validated only
	assert.Equal(t, nil, registry.Validate(redisRepo(t, "live_conn_test", other.Addr())))
	rows, err := online.GetFeatures(ctx, []string{"1001"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(rows))

	// rejected after its stores were registered
	broken := redisRepo(t, "live_conn_test", other.Addr())
	broken.FeatureViews[0].FeatureEntityName = "rider"
	_, err = registry.Apply(broken)
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
	_, err = online.WriteIfNewer(ctx, row(ts.Add(time.Minute)))
	assert.Equal(t, nil, err)
	current, _ := registry.Project()
	assert.True(t, current == p)

	// replaced: the old snapshot stays usable until it is retired
	p2, err := registry.Apply(redisRepo(t, "live_conn_test", other.Addr()))
	assert.Equal(t, nil, err)
	rows, err = online.GetFeatures(ctx, []string{"1001"})
	assert.Equal(t, nil, err)
	assert.True(t, rows["1001"].Timestamp.Equal(ts.Add(time.Minute)))
	rows, err = p2.GetFeatureView("driver_hourly_stats").OnlineDao().GetFeatures(ctx, []string{"1001"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(rows))

	registry.retireDelay = 0
	registry.retire(p)
	_, err = online.GetFeatures(ctx, []string{"1001"})
	assert.True(t, errors.Is(err, api.ErrSourceUnavailable))
}

func TestServiceOnlineFeaturesSameFeatureTwice(t *testing.T) {
	ctx := context.Background()
	p, err := NewProject(testRepo(t, "same_feature_test"))
	assert.Equal(t, nil, err)
	defer p.Close()

	service, err := NewFeatureService(&api.FeatureService{
		Name: "rates",
		Features: []*api.FeatureServiceProjection{
			{FeatureViewName: "driver_hourly_stats", Features: []string{"conv_rate"}},
			{FeatureViewName: "driver_hourly_stats", Features: []string{"conv_rate"}, AliasNames: map[string]string{"conv_rate": "rate"}},
		},
	}, p)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"conv_rate", "rate"}, service.OutputNames())
	assert.Equal(t, 2, len(service.RefsOf(p.GetFeatureView("driver_hourly_stats"))))

	_, err = p.GetFeatureView("driver_hourly_stats").OnlineDao().WriteIfNewer(ctx, &api.FeatureRow{
		EntityKey: "1001", Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Values: map[string]interface{}{"conv_rate": 0.4},
	})
	assert.Equal(t, nil, err)

	rows, err := service.GetOnlineFeatures(ctx, []string{"1001", "1002"})
	assert.Equal(t, nil, err)
	assert.Equal(t, []map[string]interface{}{
		{"driver_id": "1001", "conv_rate": 0.4, "rate": 0.4},
		{"driver_id": "1002", "conv_rate": nil, "rate": nil},
	}, rows)
}

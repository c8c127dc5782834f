package featurestore

import (
	"bytes"
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
	"github.com/aliyun/aliyun-pai-featurestore-core/materialize"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
	"github.com/aliyun/aliyun-pai-featurestore-core/retrieval"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func fixedClock() time.Time { return at(10) }

func testRepo(t *testing.T, project string) *api.Repo {
	return &api.Repo{
		Project: project,
		FeatureEntities: []*api.FeatureEntity{
			{FeatureEntityName: "entity", FeatureEntityJoinid: "entity_id"},
		},
		Datasources: []*api.Datasource{
			{Name: "events", Type: "file", Path: filepath.Join(t.TempDir(), "events.csv"), TimestampField: "ts"},
			{Name: "events_push", Type: "push", BatchSource: "events"},
		},
		FeatureViews: []*api.FeatureView{
			{
				Name: "v", FeatureEntityName: "entity", Datasource: "events_push", Ttl: api.Duration(2 * time.Second),
				Fields: []*api.FeatureViewFields{{Name: "value", Type: constants.FS_STRING}},
			},
		},
		FeatureServices: []*api.FeatureService{
			{Name: "svc", Features: []*api.FeatureServiceProjection{{FeatureViewName: "v"}}},
		},
	}
}

func newTestClient(t *testing.T, project string, opts ...ClientOption) *FeatureStoreClient {
	opts = append([]ClientOption{WithRepo(testRepo(t, project)), WithClock(fixedClock)}, opts...)
	client, err := NewFeatureStoreClient(opts...)
	assert.Equal(t, nil, err)
	t.Cleanup(client.Close)
	return client
}

func event(key string, sec int, value string) map[string]interface{} {
	return map[string]interface{}{"entity_id": key, "ts": at(sec).Format(time.RFC3339), "value": value}
}

func TestPushThenRead(t *testing.T) {
	client := newTestClient(t, "client_push_read")
	ctx := context.Background()

	receipt, err := client.Push(ctx, "events_push", []map[string]interface{}{event("E1", 10, "X")}, constants.PushMode_OnlineAndOffline)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, receipt.Accepted)

	features, err := client.GetOnlineFeatures(ctx, "svc", []string{"E1", "E2"})
	assert.Equal(t, nil, err)
	assert.Equal(t, []map[string]interface{}{
		{"entity_id": "E1", "value": "X"},
		{"entity_id": "E2", "value": nil},
	}, features)

	result, err := client.GetHistoricalFeatures(ctx, []retrieval.SpineRow{
		{EntityKey: "E1", EventTimestamp: at(10)},
		{EntityKey: "E1", EventTimestamp: at(9)},
	}, "svc")
	assert.Equal(t, nil, err)
	assert.Equal(t, "X", result.Rows[0].Values["value"])
	assert.Equal(t, retrieval.StatusPresent, result.Rows[0].Status["value"])
	assert.Equal(t, nil, result.Rows[1].Values["value"])
	assert.Equal(t, retrieval.StatusNotFound, result.Rows[1].Status["value"])
}

func TestHistoricalScenarioE1(t *testing.T) {
	client := newTestClient(t, "client_e1")
	ctx := context.Background()

	_, err := client.Push(ctx, "events_push", []map[string]interface{}{event("E1", 1, "5"), event("E1", 3, "8")}, constants.PushMode_Offline)
	assert.Equal(t, nil, err)

	result, err := client.GetHistoricalFeatures(ctx, []retrieval.SpineRow{
		{EntityKey: "E1", EventTimestamp: at(4)},
		{EntityKey: "E1", EventTimestamp: at(6)},
	}, "svc")
	assert.Equal(t, nil, err)
	assert.Equal(t, "8", result.Rows[0].Values["value"])
	assert.Equal(t, nil, result.Rows[1].Values["value"])
	assert.Equal(t, retrieval.StatusStaleMiss, result.Rows[1].Status["value"])

	// offline only pushes never reach the online tier
	features, err := client.GetOnlineFeatures(ctx, "svc", []string{"E1"})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, features[0]["value"])
}

func TestMaterializeThenRead(t *testing.T) {
	client := newTestClient(t, "client_materialize", WithBoundaryPolicy(materialize.LeftExclusive))
	ctx := context.Background()

	_, err := client.Push(ctx, "events_push", []map[string]interface{}{event("E1", 5, "A"), event("E1", 8, "B")}, constants.PushMode_Offline)
	assert.Equal(t, nil, err)

	job, err := client.Materialize(ctx, "v", at(5), at(10))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, job.RowsScanned)

	features, err := client.GetOnlineFeaturesByRefs(ctx, []string{"v:value"}, []string{"E1"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "B", features[0]["value"])

	got, err := client.GetJob(job.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, materialize.StatusSucceeded, got.Status)
	assert.Equal(t, 1, len(client.Jobs("v")))
	_, err = client.GetJob("v-404")
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
}

func TestClientErrors(t *testing.T) {
	client := newTestClient(t, "client_errors")
	ctx := context.Background()

	_, err := client.GetOnlineFeatures(ctx, "nope", []string{"E1"})
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
	_, err = client.GetOnlineFeaturesByRefs(ctx, []string{"v:nope"}, []string{"E1"})
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
	_, err = client.GetHistoricalFeatures(ctx, []retrieval.SpineRow{{EntityKey: "E1"}}, "svc")
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = client.LoadBatch(ctx, "nope", time.Time{}, time.Time{})
	assert.True(t, errors.Is(err, api.ErrUnknownReference))
	_, err = client.Apply(nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	empty, err := NewFeatureStoreClient()
	assert.Equal(t, nil, err)
	defer empty.Close()
	_, err = empty.GetProject()
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
	_, err = empty.GetOnlineFeatures(ctx, "svc", nil)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestApplyKeepsStoreOverrides(t *testing.T) {
	client := newTestClient(t, "client_override", WithOnlineStore(&api.StoreConfig{Type: "memory"}))
	repo := testRepo(t, "client_override")
	repo.OnlineStore = &api.StoreConfig{Type: "cassandra"}

	p, err := client.Apply(repo)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), p.Version)
	assert.Equal(t, "client_override_online", p.OnlineStore.GetDatasourceName())
}

func TestRegistryVersionMetric(t *testing.T) {
	empty, err := NewFeatureStoreClient()
	assert.Equal(t, nil, err)
	defer empty.Close()

	client := newTestClient(t, "client_metrics")
	_, err = client.Apply(testRepo(t, "client_metrics"))
	assert.Equal(t, nil, err)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf)
	assert.True(t, strings.Contains(buf.String(), `fs_registry_version{project="client_metrics"} 2`), buf.String())
}

const repoYAML = `project: %s
entities:
  - name: entity
    join_key: entity_id
datasources:
  - name: events
    type: file
    path: %s
    timestamp_field: ts
feature_views:
  - name: v
    entity: entity
    source: events
    ttl: 2s
    schema:
      - name: value
        type: STRING
`

const serviceYAML = `feature_services:
  - name: svc
    features:
      - feature_view: v
`

func TestLoopLoadRepo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.yaml")
	events := filepath.Join(dir, "events.csv")
	assert.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(repoYAML, "client_loop", events)), 0o644))

	client, err := NewFeatureStoreClient(WithLoopLoadRepo(path, 10*time.Millisecond))
	assert.Equal(t, nil, err)
	defer client.Close()

	p, err := client.GetProject()
	assert.Equal(t, nil, err)
	assert.Equal(t, "client_loop", p.ProjectName)
	assert.Equal(t, 2*time.Second, p.GetFeatureView("v").GetTTL())
	_, err = client.GetFeatureService("svc")
	assert.True(t, errors.Is(err, api.ErrUnknownReference))

	// a broken repo keeps the last good project
	assert.NoError(t, os.WriteFile(path, []byte("project: [\n"), 0o644))
	time.Sleep(50 * time.Millisecond)
	p, err = client.GetProject()
	assert.Equal(t, nil, err)
	assert.Equal(t, "client_loop", p.ProjectName)

	assert.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(repoYAML, "client_loop", events)+serviceYAML), 0o644))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err = client.GetFeatureService("svc"); err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, nil, err)

	_, err = NewFeatureStoreClient(WithRepoPath(filepath.Join(dir, "missing.yaml")))
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

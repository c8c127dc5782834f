package dao

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

// FeatureViewOnlineDao keeps the latest row per entity key of one feature view.
type FeatureViewOnlineDao interface {
	// WriteIfNewer stores row only when its (timestamp, created) is strictly
	// greater than the stored row's. The check and the write are one atomic
	// step inside the store. It reports whether the row was written.
	WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error)
	// GetFeatures returns the stored rows of the keys that exist.
	GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error)
}

// FeatureViewOfflineDao is the append-only, timestamp partitioned log of one
// feature view. It is the system of record.
type FeatureViewOfflineDao interface {
	// Append adds rows, each atomically. A row whose (key, timestamp, created)
	// is already stored is skipped. errs is nil when every row succeeded,
	// otherwise errs[i] is the failure of rows[i].
	Append(ctx context.Context, rows []*api.FeatureRow) (added int, errs []error)
	// ScanKeys returns the rows of keys with a timestamp in tr, each key's rows
	// sorted by (timestamp, created).
	ScanKeys(ctx context.Context, keys []string, tr api.TimeRange) (map[string][]*api.FeatureRow, error)
	// ScanRange calls fn for every row with a timestamp in tr.
	ScanRange(ctx context.Context, tr api.TimeRange, fn func(*api.FeatureRow) error) error
	// LatestAt returns per key the greatest (timestamp, created) row with a
	// timestamp at or before t. Keys without one are absent.
	LatestAt(ctx context.Context, keys []string, t time.Time) (map[string]*api.FeatureRow, error)
}

func NewFeatureViewOnlineDao(config DaoConfig) (FeatureViewOnlineDao, error) {
	switch config.DatasourceType {
	case constants.Datasource_Type_Memory, "":
		return NewFeatureViewMemoryDao(config), nil
	case constants.Datasource_Type_Redis:
		return NewFeatureViewRedisDao(config)
	case constants.Datasource_Type_Mysql:
		return NewFeatureViewMysqlDao(config)
	case constants.Datasource_Type_Hologres, constants.Datasource_Type_Postgres:
		return NewFeatureViewHologresDao(config)
	case constants.Datasource_Type_TableStore:
		return NewFeatureViewTableStoreDao(config)
	}

	return nil, fmt.Errorf("not found FeatureViewOnlineDao implement, type:%s", config.DatasourceType)
}

func NewFeatureViewOfflineDao(config DaoConfig) (FeatureViewOfflineDao, error) {
	switch config.DatasourceType {
	case constants.Datasource_Type_Memory, "":
		return NewOfflineMemoryDao(config), nil
	case constants.Datasource_Type_Hologres, constants.Datasource_Type_Postgres:
		return NewOfflineHologresDao(config)
	}

	return nil, fmt.Errorf("not found FeatureViewOfflineDao implement, type:%s", config.DatasourceType)
}

// LatestPerKey reduces rows to the greatest (timestamp, created) per key.
func LatestPerKey(rows []*api.FeatureRow) map[string]*api.FeatureRow {
	latest := make(map[string]*api.FeatureRow)
	for _, row := range rows {
		if cur, ok := latest[row.EntityKey]; !ok || row.Newer(cur) {
			latest[row.EntityKey] = row
		}
	}
	return latest
}

// SortRows orders rows by (timestamp, created).
func SortRows(rows []*api.FeatureRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[j].Newer(rows[i])
	})
}

func dedupKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func versionOf(row *api.FeatureRow) string {
	return utils.VersionKey(row.Timestamp, row.Created)
}

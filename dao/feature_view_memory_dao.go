package dao

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

type memoryTable = xsync.MapOf[string, *api.FeatureRow]

// memory tables outlive a registry reload, like a remote store would
var memoryTables = xsync.NewMapOf[string, *memoryTable]()

// FeatureViewMemoryDao is an in-process online table.
type FeatureViewMemoryDao struct {
	table *memoryTable
}

func NewFeatureViewMemoryDao(config DaoConfig) *FeatureViewMemoryDao {
	name := config.MemoryName + "/" + config.FeatureViewName
	table, _ := memoryTables.LoadOrCompute(name, func() *memoryTable {
		return xsync.NewMapOf[string, *api.FeatureRow]()
	})
	return &FeatureViewMemoryDao{table: table}
}

// DropMemoryTables forgets every online and offline memory table of store name.
func DropMemoryTables(name string) {
	prefix := name + "/"
	memoryTables.Range(func(key string, _ *memoryTable) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			memoryTables.Delete(key)
		}
		return true
	})
	offlineTables.Range(func(key string, _ *offlineMemoryTable) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			offlineTables.Delete(key)
		}
		return true
	})
}

func (d *FeatureViewMemoryDao) WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	applied := false
	d.table.Compute(row.EntityKey, func(old *api.FeatureRow, loaded bool) (*api.FeatureRow, bool) {
		if loaded && !row.Newer(old) {
			return old, false
		}
		applied = true
		return row, false
	})
	return applied, nil
}

func (d *FeatureViewMemoryDao) GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error) {
	result := make(map[string]*api.FeatureRow, len(keys))
	for _, key := range keys {
		if row, ok := d.table.Load(key); ok {
			result[key] = row
		}
	}
	return result, nil
}

func (d *FeatureViewMemoryDao) Len() int {
	return d.table.Size()
}

package dao

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

const partitionLayout = "2006-01-02"

type rowIdentity struct {
	key     string
	ts      int64
	created int64
}

func identityOf(row *api.FeatureRow) rowIdentity {
	return rowIdentity{key: row.EntityKey, ts: timeToNanos(row.Timestamp), created: timeToNanos(row.Created)}
}

// offlineMemoryTable keeps rows in daily partitions in append order, plus a
// per key index sorted by (timestamp, created). Index slices are replaced,
// never mutated, so readers can hold them without the lock.
type offlineMemoryTable struct {
	mu         sync.RWMutex
	partitions map[string][]*api.FeatureRow
	byKey      map[string][]*api.FeatureRow
	identities map[rowIdentity]struct{}
}

var offlineTables = xsync.NewMapOf[string, *offlineMemoryTable]()

type OfflineMemoryDao struct {
	table *offlineMemoryTable
}

func NewOfflineMemoryDao(config DaoConfig) *OfflineMemoryDao {
	name := config.MemoryName + "/" + config.FeatureViewName
	table, _ := offlineTables.LoadOrCompute(name, func() *offlineMemoryTable {
		return &offlineMemoryTable{
			partitions: make(map[string][]*api.FeatureRow),
			byKey:      make(map[string][]*api.FeatureRow),
			identities: make(map[rowIdentity]struct{}),
		}
	})
	return &OfflineMemoryDao{table: table}
}

func (d *OfflineMemoryDao) Append(ctx context.Context, rows []*api.FeatureRow) (int, []error) {
	t := d.table
	added := 0
	var errs []error
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			if errs == nil {
				errs = make([]error, len(rows))
			}
			for j := i; j < len(rows); j++ {
				errs[j] = err
			}
			break
		}
		id := identityOf(row)
		t.mu.Lock()
		if _, ok := t.identities[id]; ok {
			t.mu.Unlock()
			continue
		}
		t.identities[id] = struct{}{}
		partition := row.Timestamp.UTC().Format(partitionLayout)
		t.partitions[partition] = append(t.partitions[partition], row)

		old := t.byKey[row.EntityKey]
		idx := sort.Search(len(old), func(k int) bool { return old[k].Newer(row) })
		next := make([]*api.FeatureRow, 0, len(old)+1)
		next = append(next, old[:idx]...)
		next = append(next, row)
		next = append(next, old[idx:]...)
		t.byKey[row.EntityKey] = next
		t.mu.Unlock()
		added++
	}
	return added, errs
}

func (d *OfflineMemoryDao) ScanKeys(ctx context.Context, keys []string, tr api.TimeRange) (map[string][]*api.FeatureRow, error) {
	t := d.table
	result := make(map[string][]*api.FeatureRow, len(keys))
	for _, key := range dedupKeys(keys) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.mu.RLock()
		rows := t.byKey[key]
		t.mu.RUnlock()

		lo := 0
		if !tr.Start.IsZero() {
			lo = sort.Search(len(rows), func(k int) bool {
				ts := rows[k].Timestamp
				return ts.After(tr.Start) || (!tr.StartExclusive && ts.Equal(tr.Start))
			})
		}
		hi := len(rows)
		if !tr.End.IsZero() {
			hi = sort.Search(len(rows), func(k int) bool { return rows[k].Timestamp.After(tr.End) })
		}
		if lo < hi {
			result[key] = rows[lo:hi:hi]
		}
	}
	return result, nil
}

func (d *OfflineMemoryDao) LatestAt(ctx context.Context, keys []string, at time.Time) (map[string]*api.FeatureRow, error) {
	t := d.table
	result := make(map[string]*api.FeatureRow, len(keys))
	for _, key := range dedupKeys(keys) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.mu.RLock()
		rows := t.byKey[key]
		t.mu.RUnlock()

		if idx := sort.Search(len(rows), func(k int) bool { return rows[k].Timestamp.After(at) }); idx > 0 {
			result[key] = rows[idx-1]
		}
	}
	return result, nil
}

func (d *OfflineMemoryDao) ScanRange(ctx context.Context, tr api.TimeRange, fn func(*api.FeatureRow) error) error {
	t := d.table
	t.mu.RLock()
	var names []string
	for name := range t.partitions {
		if partitionOverlaps(name, tr) {
			names = append(names, name)
		}
	}
	snapshot := make(map[string][]*api.FeatureRow, len(names))
	for _, name := range names {
		rows := t.partitions[name]
		snapshot[name] = rows[:len(rows):len(rows)]
	}
	t.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		for _, row := range snapshot[name] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !tr.Contains(row.Timestamp) {
				continue
			}
			if err := fn(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len is the number of stored rows.
func (d *OfflineMemoryDao) Len() int {
	d.table.mu.RLock()
	defer d.table.mu.RUnlock()
	return len(d.table.identities)
}

func partitionOverlaps(name string, tr api.TimeRange) bool {
	day, err := time.Parse(partitionLayout, name)
	if err != nil {
		return true
	}
	end := day.Add(24 * time.Hour)
	if !tr.Start.IsZero() && !end.After(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && day.After(tr.End) {
		return false
	}
	return true
}

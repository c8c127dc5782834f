package dao

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/hologres"
)

// FeatureViewHologresDao is an online table on hologres or postgres.
type FeatureViewHologresDao struct {
	db    *sql.DB
	table string
	codec RowCodec

	ensure ensureOnce
}

func NewFeatureViewHologresDao(config DaoConfig) (*FeatureViewHologresDao, error) {
	h, err := hologres.GetHologres(config.HologresName)
	if err != nil {
		return nil, err
	}
	return &FeatureViewHologresDao{
		db:    h.DB,
		table: config.HologresTableName,
		codec: NewRowCodec(config.FieldTypeMap),
	}, nil
}

func (d *FeatureViewHologresDao) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (entity_key TEXT NOT NULL PRIMARY KEY, version TEXT NOT NULL, payload BYTEA)`,
		sqlbuilder.PostgreSQL.Quote(d.table))
}

func (d *FeatureViewHologresDao) upsertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s AS t (entity_key, version, payload) VALUES ($1, $2, $3) `+
		`ON CONFLICT (entity_key) DO UPDATE SET version = EXCLUDED.version, payload = EXCLUDED.payload `+
		`WHERE t.version COLLATE "C" < EXCLUDED.version COLLATE "C"`, sqlbuilder.PostgreSQL.Quote(d.table))
}

func (d *FeatureViewHologresDao) WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error) {
	if err := d.ensure.do(func() error {
		_, err := d.db.ExecContext(ctx, d.createTableSQL())
		return err
	}); err != nil {
		return false, api.WrapError(api.CodeSourceUnavailable, err, "hologres create table %s", d.table)
	}
	payload, err := d.codec.EncodeRow(row)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, d.upsertSQL(), row.EntityKey, versionOf(row), payload)
	if err != nil {
		return false, api.WrapError(api.CodeSourceUnavailable, err, "hologres write %s", row.EntityKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *FeatureViewHologresDao) selectSQL(keys []string) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	sb.Select("entity_key", "payload").From(sqlbuilder.PostgreSQL.Quote(d.table)).Where(sb.In("entity_key", args...))
	return sb.Build()
}

func (d *FeatureViewHologresDao) GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error) {
	result := make(map[string]*api.FeatureRow, len(keys))
	keys = dedupKeys(keys)
	if len(keys) == 0 {
		return result, nil
	}
	query, args := d.selectSQL(keys)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "hologres read %s", d.table)
	}
	defer rows.Close()
	return scanOnlineRows(rows, d.codec, result)
}

// --------------------------------------------------------------------------
// offline log
// --------------------------------------------------------------------------

// OfflineHologresDao stores the offline log in one table per view with an
// event_date column for daily partition pruning. Timestamps are unix nanos so
// that row identity survives the round trip exactly.
type OfflineHologresDao struct {
	db    *sql.DB
	table string
	codec RowCodec

	ensure ensureOnce
}

func NewOfflineHologresDao(config DaoConfig) (*OfflineHologresDao, error) {
	h, err := hologres.GetHologres(config.HologresName)
	if err != nil {
		return nil, err
	}
	return &OfflineHologresDao{
		db:    h.DB,
		table: config.HologresTableName,
		codec: NewRowCodec(config.FieldTypeMap),
	}, nil
}

func (d *OfflineHologresDao) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (entity_key TEXT NOT NULL, event_ns BIGINT NOT NULL, created_ns BIGINT NOT NULL, `+
		`event_date DATE NOT NULL, payload BYTEA, PRIMARY KEY (entity_key, event_ns, created_ns))`, sqlbuilder.PostgreSQL.Quote(d.table))
}

func (d *OfflineHologresDao) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (entity_key, event_ns, created_ns, event_date, payload) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		sqlbuilder.PostgreSQL.Quote(d.table))
}

func (d *OfflineHologresDao) prepare(ctx context.Context) error {
	return d.ensure.do(func() error {
		_, err := d.db.ExecContext(ctx, d.createTableSQL())
		return err
	})
}

func (d *OfflineHologresDao) Append(ctx context.Context, rows []*api.FeatureRow) (int, []error) {
	var errs []error
	fail := func(i int, err error) {
		if errs == nil {
			errs = make([]error, len(rows))
		}
		errs[i] = err
	}
	if err := d.prepare(ctx); err != nil {
		err = api.WrapError(api.CodeSourceUnavailable, err, "hologres create table %s", d.table)
		for i := range rows {
			fail(i, err)
		}
		return 0, errs
	}

	added := 0
	query := d.insertSQL()
	for i, row := range rows {
		payload, err := d.codec.EncodeValues(row.Values)
		if err != nil {
			fail(i, err)
			continue
		}
		res, err := d.db.ExecContext(ctx, query, row.EntityKey, timeToNanos(row.Timestamp), timeToNanos(row.Created),
			row.Timestamp.UTC().Format(partitionLayout), payload)
		if err != nil {
			fail(i, api.WrapError(api.CodeSourceUnavailable, err, "hologres append %s", row.EntityKey))
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, errs
}

func (d *OfflineHologresDao) rangeSelect(tr api.TimeRange) *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_key", "event_ns", "created_ns", "payload").From(sqlbuilder.PostgreSQL.Quote(d.table))
	if !tr.Start.IsZero() {
		sb.Where(sb.GreaterEqualThan("event_date", tr.Start.UTC().Format(partitionLayout)))
		if tr.StartExclusive {
			sb.Where(sb.GreaterThan("event_ns", tr.Start.UnixNano()))
		} else {
			sb.Where(sb.GreaterEqualThan("event_ns", tr.Start.UnixNano()))
		}
	}
	if !tr.End.IsZero() {
		sb.Where(sb.LessEqualThan("event_date", tr.End.UTC().Format(partitionLayout)))
		sb.Where(sb.LessEqualThan("event_ns", tr.End.UnixNano()))
	}
	return sb
}

func (d *OfflineHologresDao) scanKeysSQL(keys []string, tr api.TimeRange) (string, []interface{}) {
	sb := d.rangeSelect(tr)
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	sb.Where(sb.In("entity_key", args...))
	sb.OrderBy("entity_key", "event_ns", "created_ns")
	return sb.Build()
}

func (d *OfflineHologresDao) ScanKeys(ctx context.Context, keys []string, tr api.TimeRange) (map[string][]*api.FeatureRow, error) {
	result := make(map[string][]*api.FeatureRow)
	keys = dedupKeys(keys)
	if len(keys) == 0 {
		return result, nil
	}
	if err := d.prepare(ctx); err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "hologres create table %s", d.table)
	}
	query, args := d.scanKeysSQL(keys, tr)
	err := d.query(ctx, query, args, func(row *api.FeatureRow) error {
		result[row.EntityKey] = append(result[row.EntityKey], row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// latestAtSQL picks one row per key with DISTINCT ON, newest first.
func (d *OfflineHologresDao) latestAtSQL(keys []string, at time.Time) (string, []interface{}) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("DISTINCT ON (entity_key) entity_key", "event_ns", "created_ns", "payload").From(sqlbuilder.PostgreSQL.Quote(d.table))
	sb.Where(sb.LessEqualThan("event_date", at.UTC().Format(partitionLayout)))
	sb.Where(sb.LessEqualThan("event_ns", at.UnixNano()))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	sb.Where(sb.In("entity_key", args...))
	sb.OrderBy("entity_key", "event_ns DESC", "created_ns DESC")
	return sb.Build()
}

func (d *OfflineHologresDao) LatestAt(ctx context.Context, keys []string, at time.Time) (map[string]*api.FeatureRow, error) {
	result := make(map[string]*api.FeatureRow)
	keys = dedupKeys(keys)
	if len(keys) == 0 {
		return result, nil
	}
	if err := d.prepare(ctx); err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "hologres create table %s", d.table)
	}
	query, args := d.latestAtSQL(keys, at)
	err := d.query(ctx, query, args, func(row *api.FeatureRow) error {
		result[row.EntityKey] = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *OfflineHologresDao) ScanRange(ctx context.Context, tr api.TimeRange, fn func(*api.FeatureRow) error) error {
	if err := d.prepare(ctx); err != nil {
		return api.WrapError(api.CodeSourceUnavailable, err, "hologres create table %s", d.table)
	}
	query, args := d.rangeSelect(tr).Build()
	return d.query(ctx, query, args, fn)
}

func (d *OfflineHologresDao) query(ctx context.Context, query string, args []interface{}, fn func(*api.FeatureRow) error) error {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return api.WrapError(api.CodeSourceUnavailable, err, "hologres scan %s", d.table)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key              string
			eventNs, created int64
			payload          []byte
		)
		if err := rows.Scan(&key, &eventNs, &created, &payload); err != nil {
			return err
		}
		values, err := d.codec.DecodeValues(payload)
		if err != nil {
			return err
		}
		row := &api.FeatureRow{
			EntityKey: key,
			Timestamp: nanosToTime(eventNs),
			Created:   nanosToTime(created),
			Values:    values,
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return api.WrapError(api.CodeSourceUnavailable, err, "hologres scan %s", d.table)
	}
	return nil
}

package dao

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/huandu/go-sqlbuilder"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	fsmysql "github.com/aliyun/aliyun-pai-featurestore-core/datasource/mysql"
)

type FeatureViewMysqlDao struct {
	db    *sql.DB
	table string
	codec RowCodec

	ensure ensureOnce
}

func NewFeatureViewMysqlDao(config DaoConfig) (*FeatureViewMysqlDao, error) {
	m, err := fsmysql.GetMysql(config.MysqlName)
	if err != nil {
		return nil, err
	}
	return &FeatureViewMysqlDao{
		db:    m.DB,
		table: config.MysqlTableName,
		codec: NewRowCodec(config.FieldTypeMap),
	}, nil
}

func (d *FeatureViewMysqlDao) createTableSQL() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (entity_key VARCHAR(255) NOT NULL PRIMARY KEY, version CHAR(32) NOT NULL, payload MEDIUMBLOB)", d.table)
}

// upsertSQL overwrites a row only for a greater version. version is assigned
// last because MySQL evaluates the assignments left to right.
func (d *FeatureViewMysqlDao) upsertSQL() string {
	return fmt.Sprintf("INSERT INTO `%s` (entity_key, version, payload) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE "+
		"payload = IF(VALUES(version) > version, VALUES(payload), payload), "+
		"version = IF(VALUES(version) > version, VALUES(version), version)", d.table)
}

func (d *FeatureViewMysqlDao) WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error) {
	if err := d.ensure.do(func() error {
		_, err := d.db.ExecContext(ctx, d.createTableSQL())
		return err
	}); err != nil {
		return false, api.WrapError(api.CodeSourceUnavailable, err, "mysql create table %s", d.table)
	}
	payload, err := d.codec.EncodeRow(row)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, d.upsertSQL(), row.EntityKey, versionOf(row), payload)
	if err != nil {
		return false, api.WrapError(api.CodeSourceUnavailable, err, "mysql write %s", row.EntityKey)
	}
	// 1 inserted, 2 updated, 0 kept
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *FeatureViewMysqlDao) selectSQL(keys []string) (string, []interface{}) {
	sb := sqlbuilder.MySQL.NewSelectBuilder()
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	sb.Select("entity_key", "payload").From(sqlbuilder.MySQL.Quote(d.table)).Where(sb.In("entity_key", args...))
	return sb.Build()
}

func (d *FeatureViewMysqlDao) GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error) {
	result := make(map[string]*api.FeatureRow, len(keys))
	keys = dedupKeys(keys)
	if len(keys) == 0 {
		return result, nil
	}
	query, args := d.selectSQL(keys)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "mysql read %s", d.table)
	}
	defer rows.Close()
	return scanOnlineRows(rows, d.codec, result)
}

func scanOnlineRows(rows *sql.Rows, codec RowCodec, result map[string]*api.FeatureRow) (map[string]*api.FeatureRow, error) {
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		row, err := codec.DecodeRow(key, payload)
		if err != nil {
			return nil, err
		}
		result[key] = row
	}
	if err := rows.Err(); err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "read online rows")
	}
	return result, nil
}

// ensureOnce runs f until it succeeds once.
type ensureOnce struct {
	mu   sync.Mutex
	done bool
}

func (o *ensureOnce) do(f func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done = true
	return nil
}

package dao

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	fsredis "github.com/aliyun/aliyun-pai-featurestore-core/datasource/redis"
)

// writeIfNewerScript keeps the version and the payload of a key in one hash.
// Versions are fixed width hex strings, so string order is version order.
var writeIfNewerScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and cur >= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
return 1
`)

type FeatureViewRedisDao struct {
	client    *goredis.Client
	keyPrefix string
	codec     RowCodec
}

func NewFeatureViewRedisDao(config DaoConfig) (*FeatureViewRedisDao, error) {
	r, err := fsredis.GetRedis(config.RedisName)
	if err != nil {
		return nil, err
	}
	return &FeatureViewRedisDao{
		client:    r.Client,
		keyPrefix: config.RedisKeyPrefix,
		codec:     NewRowCodec(config.FieldTypeMap),
	}, nil
}

func (d *FeatureViewRedisDao) key(entityKey string) string {
	return d.keyPrefix + entityKey
}

func (d *FeatureViewRedisDao) WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error) {
	payload, err := d.codec.EncodeRow(row)
	if err != nil {
		return false, err
	}
	n, err := writeIfNewerScript.Run(ctx, d.client, []string{d.key(row.EntityKey)}, versionOf(row), payload).Int()
	if err != nil {
		return false, api.WrapError(api.CodeSourceUnavailable, err, "redis write %s", row.EntityKey)
	}
	return n == 1, nil
}

func (d *FeatureViewRedisDao) GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error) {
	keys = dedupKeys(keys)
	pipe := d.client.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, d.key(key), "d")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "redis read")
	}

	result := make(map[string]*api.FeatureRow, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, api.WrapError(api.CodeSourceUnavailable, err, "redis read %s", keys[i])
		}
		row, err := d.codec.DecodeRow(keys[i], data)
		if err != nil {
			return nil, fmt.Errorf("redis key %s: %w", d.key(keys[i]), err)
		}
		result[keys[i]] = row
	}
	return result, nil
}

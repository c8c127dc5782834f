package domain

import (
	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/redis"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

type RedisOnlineStore struct {
	name string
	conn string
}

func NewRedisOnlineStore(name, conn string, cfg *api.StoreConfig) (*RedisOnlineStore, error) {
	if cfg.Address == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "redis online store needs an address")
	}
	redis.RegisterRedis(conn, cfg.Address, cfg.Password, cfg.DB)
	return &RedisOnlineStore{name: name, conn: conn}, nil
}

// GetTableName is the key prefix of the view: every entity key of the view
// is stored under prefix + key.
func (s *RedisOnlineStore) GetTableName(featureView *FeatureView) string {
	md5 := utils.Md5(onlineTableName(featureView))
	return md5[:4] + "_"
}

func (s *RedisOnlineStore) GetDatasourceName() string {
	return s.name
}

func (s *RedisOnlineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:  constants.Datasource_Type_Redis,
		FeatureViewName: featureView.Name,
		RedisName:       s.conn,
		RedisKeyPrefix:  s.GetTableName(featureView),
		FieldTypeMap:    featureView.FieldTypeMap(),
	}
}

func (s *RedisOnlineStore) Close() {
	redis.RemoveRedis(s.conn)
}

package dao

import (
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

type DaoConfig struct {
	DatasourceType string

	FeatureViewName string

	// memory
	MemoryName string

	// redis
	RedisName      string
	RedisKeyPrefix string

	// mysql
	MysqlName      string
	MysqlTableName string

	// hologres, postgres
	HologresName      string
	HologresTableName string

	// tablestore
	TableStoreName      string
	TableStoreTableName string

	// declared feature columns, used to restore value types on read
	FieldTypeMap map[string]constants.FSType
}

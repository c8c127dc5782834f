package domain

import (
	"fmt"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
)

type OnlineStore interface {
	GetTableName(featureView *FeatureView) string
	GetDatasourceName() string
	DaoConfig(featureView *FeatureView) dao.DaoConfig
	Close()
}

// NewOnlineStore registers the connection of the online tier of project under
// its name plus suffix. A nil config selects the in-process memory store.
func NewOnlineStore(project, suffix string, cfg *api.StoreConfig) (OnlineStore, error) {
	name := project + "_online"
	conn := name + suffix
	if cfg == nil {
		return &MemoryOnlineStore{name: name}, nil
	}
	switch cfg.Type {
	case constants.Datasource_Type_Memory, "":
		return &MemoryOnlineStore{name: name}, nil
	case constants.Datasource_Type_Redis:
		return NewRedisOnlineStore(name, conn, cfg)
	case constants.Datasource_Type_Mysql:
		return NewMysqlOnlineStore(name, conn, cfg)
	case constants.Datasource_Type_Hologres, constants.Datasource_Type_Postgres:
		return NewHologresOnlineStore(name, conn, cfg)
	case constants.Datasource_Type_TableStore:
		return NewTableStoreOnlineStore(name, conn, cfg)
	}
	return nil, api.NewError(api.CodeInvalidArgument, "not support onlinestore type:%s", cfg.Type)
}

type MemoryOnlineStore struct {
	name string
}

func (s *MemoryOnlineStore) GetTableName(featureView *FeatureView) string {
	return featureView.Name
}

func (s *MemoryOnlineStore) GetDatasourceName() string {
	return s.name
}

func (s *MemoryOnlineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:  constants.Datasource_Type_Memory,
		FeatureViewName: s.GetTableName(featureView),
		MemoryName:      s.name,
		FieldTypeMap:    featureView.FieldTypeMap(),
	}
}

// Close keeps the tables: the memory tier lives as long as the process.
func (s *MemoryOnlineStore) Close() {}

func onlineTableName(featureView *FeatureView) string {
	return fmt.Sprintf("%s_%s_online", featureView.Project.ProjectName, featureView.Name)
}

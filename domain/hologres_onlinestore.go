package domain

import (
	"fmt"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/hologres"
)

// HologresOnlineStore also serves plain postgres.
type HologresOnlineStore struct {
	name string
	conn string
}

func registerHologres(name string, cfg *api.StoreConfig) error {
	if cfg.DSN == "" && cfg.Host == "" {
		return api.NewError(api.CodeInvalidArgument, "%s store %s needs a dsn or a host", cfg.Type, name)
	}
	driver := "hologres"
	if cfg.Type == constants.Datasource_Type_Postgres {
		driver = "postgres"
	}
	if _, err := hologres.RegisterHologres(name, driver, cfg.GenerateDSN()); err != nil {
		return api.WrapError(api.CodeInvalidArgument, err, "%s store %s", cfg.Type, name)
	}
	return nil
}

func NewHologresOnlineStore(name, conn string, cfg *api.StoreConfig) (*HologresOnlineStore, error) {
	if err := registerHologres(conn, cfg); err != nil {
		return nil, err
	}
	return &HologresOnlineStore{name: name, conn: conn}, nil
}

func (s *HologresOnlineStore) GetTableName(featureView *FeatureView) string {
	return onlineTableName(featureView)
}

func (s *HologresOnlineStore) GetDatasourceName() string {
	return s.name
}

func (s *HologresOnlineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:    constants.Datasource_Type_Hologres,
		FeatureViewName:   featureView.Name,
		HologresName:      s.conn,
		HologresTableName: s.GetTableName(featureView),
		FieldTypeMap:      featureView.FieldTypeMap(),
	}
}

func (s *HologresOnlineStore) Close() {
	hologres.RemoveHologres(s.conn)
}

// --------------------------------------------------------------------------
// offline
// --------------------------------------------------------------------------

type OfflineStore interface {
	GetTableName(featureView *FeatureView) string
	GetDatasourceName() string
	DaoConfig(featureView *FeatureView) dao.DaoConfig
	Close()
}

// NewOfflineStore registers the connection of the offline tier of project
// under its name plus suffix. A nil config selects the in-process memory log.
func NewOfflineStore(project, suffix string, cfg *api.StoreConfig) (OfflineStore, error) {
	name := project + "_offline"
	conn := name + suffix
	if cfg == nil {
		return &MemoryOfflineStore{name: name}, nil
	}
	switch cfg.Type {
	case constants.Datasource_Type_Memory, "":
		return &MemoryOfflineStore{name: name}, nil
	case constants.Datasource_Type_Hologres, constants.Datasource_Type_Postgres:
		if err := registerHologres(conn, cfg); err != nil {
			return nil, err
		}
		return &HologresOfflineStore{name: name, conn: conn}, nil
	}
	return nil, api.NewError(api.CodeInvalidArgument, "not support offlinestore type:%s", cfg.Type)
}

type MemoryOfflineStore struct {
	name string
}

func (s *MemoryOfflineStore) GetTableName(featureView *FeatureView) string {
	return featureView.Name
}

func (s *MemoryOfflineStore) GetDatasourceName() string {
	return s.name
}

func (s *MemoryOfflineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:  constants.Datasource_Type_Memory,
		FeatureViewName: s.GetTableName(featureView),
		MemoryName:      s.name,
		FieldTypeMap:    featureView.FieldTypeMap(),
	}
}

func (s *MemoryOfflineStore) Close() {}

type HologresOfflineStore struct {
	name string
	conn string
}

func (s *HologresOfflineStore) GetTableName(featureView *FeatureView) string {
	return fmt.Sprintf("%s_%s_offline", featureView.Project.ProjectName, featureView.Name)
}

func (s *HologresOfflineStore) GetDatasourceName() string {
	return s.name
}

func (s *HologresOfflineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:    constants.Datasource_Type_Hologres,
		FeatureViewName:   featureView.Name,
		HologresName:      s.conn,
		HologresTableName: s.GetTableName(featureView),
		FieldTypeMap:      featureView.FieldTypeMap(),
	}
}

func (s *HologresOfflineStore) Close() {
	hologres.RemoveHologres(s.conn)
}

package domain

import (
	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/ots"
)

type TableStoreOnlineStore struct {
	name string
	conn string
}

func NewTableStoreOnlineStore(name, conn string, cfg *api.StoreConfig) (*TableStoreOnlineStore, error) {
	if cfg.Endpoint == "" || cfg.InstanceName == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "tablestore online store needs endpoint and instance_name")
	}
	ots.RegisterOTSClient(conn, cfg.Endpoint, cfg.InstanceName, cfg.AccessKeyId, cfg.AccessKeySecret)
	return &TableStoreOnlineStore{name: name, conn: conn}, nil
}

func (s *TableStoreOnlineStore) GetTableName(featureView *FeatureView) string {
	return onlineTableName(featureView)
}

func (s *TableStoreOnlineStore) GetDatasourceName() string {
	return s.name
}

func (s *TableStoreOnlineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:      constants.Datasource_Type_TableStore,
		FeatureViewName:     featureView.Name,
		TableStoreName:      s.conn,
		TableStoreTableName: s.GetTableName(featureView),
		FieldTypeMap:        featureView.FieldTypeMap(),
	}
}

func (s *TableStoreOnlineStore) Close() {
	ots.RemoveOTSClient(s.conn)
}

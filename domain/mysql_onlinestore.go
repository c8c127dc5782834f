package domain

import (
	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/mysql"
)

type MysqlOnlineStore struct {
	name string
	conn string
}

func NewMysqlOnlineStore(name, conn string, cfg *api.StoreConfig) (*MysqlOnlineStore, error) {
	if cfg.DSN == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "mysql online store needs a dsn")
	}
	if _, err := mysql.RegisterMysql(conn, cfg.DSN); err != nil {
		return nil, api.WrapError(api.CodeInvalidArgument, err, "mysql online store")
	}
	return &MysqlOnlineStore{name: name, conn: conn}, nil
}

func (s *MysqlOnlineStore) GetTableName(featureView *FeatureView) string {
	return onlineTableName(featureView)
}

func (s *MysqlOnlineStore) GetDatasourceName() string {
	return s.name
}

func (s *MysqlOnlineStore) DaoConfig(featureView *FeatureView) dao.DaoConfig {
	return dao.DaoConfig{
		DatasourceType:  constants.Datasource_Type_Mysql,
		FeatureViewName: featureView.Name,
		MysqlName:       s.conn,
		MysqlTableName:  s.GetTableName(featureView),
		FieldTypeMap:    featureView.FieldTypeMap(),
	}
}

func (s *MysqlOnlineStore) Close() {
	mysql.RemoveMysql(s.conn)
}

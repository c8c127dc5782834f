package dao

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aliyun/aliyun-tablestore-go-sdk/tablestore"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/ots"
)

const (
	tablestorePrimaryKey    = "entity_key"
	tablestoreVersionColumn = "version"
	tablestorePayloadColumn = "payload"
	tablestoreBatchSize     = 100
)

// FeatureViewTableStoreDao is an online table on tablestore. The table has a
// single string primary key, entity_key, and is provisioned out of band.
type FeatureViewTableStoreDao struct {
	tablestoreClient *tablestore.TableStoreClient
	table            string
	codec            RowCodec
}

func NewFeatureViewTableStoreDao(config DaoConfig) (*FeatureViewTableStoreDao, error) {
	client, err := ots.GetOTSClient(config.TableStoreName)
	if err != nil {
		return nil, err
	}
	return &FeatureViewTableStoreDao{
		tablestoreClient: client.GetClient(),
		table:            config.TableStoreTableName,
		codec:            NewRowCodec(config.FieldTypeMap),
	}, nil
}

func (d *FeatureViewTableStoreDao) putRowRequest(row *api.FeatureRow, payload []byte) *tablestore.PutRowRequest {
	putPk := new(tablestore.PrimaryKey)
	putPk.AddPrimaryKeyColumn(tablestorePrimaryKey, row.EntityKey)

	putRowChange := new(tablestore.PutRowChange)
	putRowChange.TableName = d.table
	putRowChange.PrimaryKey = putPk
	putRowChange.AddColumn(tablestoreVersionColumn, versionOf(row))
	putRowChange.AddColumn(tablestorePayloadColumn, payload)
	putRowChange.SetCondition(tablestore.RowExistenceExpectation_IGNORE)
	// passes when the row is new, FilterIfMissing is false
	putRowChange.SetColumnCondition(tablestore.NewSingleColumnCondition(tablestoreVersionColumn, tablestore.CT_LESS_THAN, versionOf(row)))

	return &tablestore.PutRowRequest{PutRowChange: putRowChange}
}

func (d *FeatureViewTableStoreDao) WriteIfNewer(ctx context.Context, row *api.FeatureRow) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	payload, err := d.codec.EncodeRow(row)
	if err != nil {
		return false, err
	}
	if _, err := d.tablestoreClient.PutRow(d.putRowRequest(row, payload)); err != nil {
		if isConditionCheckFail(err) {
			return false, nil
		}
		return false, api.WrapError(api.CodeSourceUnavailable, err, "tablestore write %s", row.EntityKey)
	}
	return true, nil
}

// the sdk reports the error code in the message
func isConditionCheckFail(err error) bool {
	return strings.Contains(err.Error(), "OTSConditionCheckFail")
}

func (d *FeatureViewTableStoreDao) GetFeatures(ctx context.Context, keys []string) (map[string]*api.FeatureRow, error) {
	keys = dedupKeys(keys)
	result := make(map[string]*api.FeatureRow, len(keys))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i := 0; i < len(keys); i += tablestoreBatchSize {
		end := i + tablestoreBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		wg.Add(1)
		go func(ks []string) {
			defer wg.Done()
			rows, err := d.batchGet(ks)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for _, row := range rows {
				result[row.EntityKey] = row
			}
		}(keys[i:end])
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (d *FeatureViewTableStoreDao) batchGet(keys []string) ([]*api.FeatureRow, error) {
	mqCriteria := &tablestore.MultiRowQueryCriteria{}
	for _, key := range keys {
		pkToGet := new(tablestore.PrimaryKey)
		pkToGet.AddPrimaryKeyColumn(tablestorePrimaryKey, key)
		mqCriteria.AddRow(pkToGet)
	}
	mqCriteria.MaxVersion = 1
	mqCriteria.ColumnsToGet = []string{tablestorePayloadColumn}
	mqCriteria.TableName = d.table

	batchGetReq := &tablestore.BatchGetRowRequest{}
	batchGetReq.MultiRowQueryCriteria = append(batchGetReq.MultiRowQueryCriteria, mqCriteria)
	batchGetResponse, err := d.tablestoreClient.BatchGetRow(batchGetReq)
	if err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "tablestore read %s", d.table)
	}

	var rows []*api.FeatureRow
	for _, rowResults := range batchGetResponse.TableToRowsResult {
		for _, rowResult := range rowResults {
			if rowResult.Error.Message != "" {
				return nil, api.NewError(api.CodeSourceUnavailable, "tablestore read %s: %s", d.table, rowResult.Error.Message)
			}
			if rowResult.PrimaryKey.PrimaryKeys == nil {
				continue
			}
			var key string
			for _, pkValue := range rowResult.PrimaryKey.PrimaryKeys {
				if pkValue.ColumnName == tablestorePrimaryKey {
					key = fmt.Sprintf("%v", pkValue.Value)
				}
			}
			for _, rowValue := range rowResult.Columns {
				if rowValue.ColumnName != tablestorePayloadColumn {
					continue
				}
				payload, ok := rowValue.Value.([]byte)
				if !ok {
					return nil, fmt.Errorf("tablestore %s: payload of %s is %T", d.table, key, rowValue.Value)
				}
				row, err := d.codec.DecodeRow(key, payload)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

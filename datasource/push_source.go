package datasource

import (
	"context"
	"sync"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

// PushDatasource accepts producer records and hands them to the bound
// RowWriter. Its batch source holds the same data for historical replay.
type PushDatasource struct {
	ds    *api.Datasource
	batch BatchSource

	mu     sync.RWMutex
	writer RowWriter
}

func NewPushSource(ds *api.Datasource, batch BatchSource) *PushDatasource {
	return &PushDatasource{ds: ds, batch: batch}
}

func (s *PushDatasource) Name() string { return s.ds.Name }
func (s *PushDatasource) Type() string { return constants.Datasource_Type_Push }

// TimestampField falls back to the batch source's field.
func (s *PushDatasource) TimestampField() string {
	if s.ds.TimestampField != "" {
		return s.ds.TimestampField
	}
	return s.batch.TimestampField()
}

func (s *PushDatasource) CreatedTimestampField() string {
	if s.ds.CreatedTimestampField != "" {
		return s.ds.CreatedTimestampField
	}
	return s.batch.CreatedTimestampField()
}

func (s *PushDatasource) BatchSource() BatchSource {
	return s.batch
}

func (s *PushDatasource) Bind(w RowWriter) {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
}

// Accept parses the timestamps of every record. Records without a valid
// timestamp are rejected in the receipt; the rest go to the writer.
func (s *PushDatasource) Accept(ctx context.Context, records []map[string]interface{}, mode constants.PushMode) (*api.WriteReceipt, error) {
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "push source %s is not bound to a writer", s.ds.Name)
	}

	receipt := &api.WriteReceipt{}
	rows := make([]IndexedRecord, 0, len(records))
	for i, raw := range records {
		if raw == nil {
			receipt.Reject(i, api.NewError(api.CodeInvalidArgument, "record is null"))
			continue
		}
		rec, err := ParseRecord(s, raw)
		if err != nil {
			receipt.Reject(i, err)
			continue
		}
		rows = append(rows, IndexedRecord{Index: i, Record: rec})
	}
	if len(rows) == 0 {
		return receipt, nil
	}
	written, err := w.WriteRows(ctx, s.ds.Name, rows, mode)
	receipt.Merge(written)
	return receipt, err
}

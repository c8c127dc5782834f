package datasource

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

// Source is the part every data source variant shares.
type Source interface {
	Name() string
	Type() string
	TimestampField() string
	CreatedTimestampField() string
}

// BatchSource reads historical records lazily.
type BatchSource interface {
	Source
	// ResolveBatch returns the records whose timestamp lies in tr. columns
	// restricts Record.Fields; an empty list keeps every column.
	ResolveBatch(ctx context.Context, columns []string, tr api.TimeRange) (RowIterator, error)
}

// RowIterator is a lazy, single pass sequence of records.
type RowIterator interface {
	Next() bool
	Record() *api.Record
	Err() error
	Close() error
}

// IndexedRecord keeps the position of a record in the producer's request.
type IndexedRecord struct {
	Index  int
	Record *api.Record
}

// RowWriter persists records accepted by a push source.
type RowWriter interface {
	WriteRows(ctx context.Context, source string, rows []IndexedRecord, mode constants.PushMode) (*api.WriteReceipt, error)
}

// PushSource accepts records from producers and names the batch source that
// holds the same data for historical replay.
type PushSource interface {
	Source
	BatchSource() BatchSource
	Bind(w RowWriter)
	Accept(ctx context.Context, records []map[string]interface{}, mode constants.PushMode) (*api.WriteReceipt, error)
}

// NewSources builds every declared source. Push sources are bound to their
// batch source here, so declaration order does not matter. Query sources
// register their pool under "datasource_<name>" plus suffix. On error the
// sources built so far are closed.
func NewSources(decls []*api.Datasource, suffix string) (_ map[string]Source, err error) {
	byName := make(map[string]*api.Datasource, len(decls))
	for _, ds := range decls {
		if ds == nil || ds.Name == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "datasource name is empty")
		}
		if _, ok := byName[ds.Name]; ok {
			return nil, api.NewError(api.CodeInvalidArgument, "duplicate datasource:%s", ds.Name)
		}
		byName[ds.Name] = ds
	}

	sources := make(map[string]Source, len(decls))
	defer func() {
		if err != nil {
			CloseSources(sources)
		}
	}()
	for _, ds := range decls {
		if ds.Type == constants.Datasource_Type_Push {
			continue
		}
		src, err := newBatchSource(ds, suffix)
		if err != nil {
			return nil, err
		}
		sources[ds.Name] = src
	}
	for _, ds := range decls {
		if ds.Type != constants.Datasource_Type_Push {
			continue
		}
		if ds.BatchSource == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "push source %s has no batch_source", ds.Name)
		}
		batch, ok := sources[ds.BatchSource].(BatchSource)
		if !ok {
			if _, declared := byName[ds.BatchSource]; declared {
				return nil, api.NewError(api.CodeInvalidArgument, "batch_source %s of push source %s is not a batch source", ds.BatchSource, ds.Name)
			}
			return nil, api.NewError(api.CodeUnknownReference, "push source %s references unknown batch_source %s", ds.Name, ds.BatchSource)
		}
		sources[ds.Name] = NewPushSource(ds, batch)
	}
	return sources, nil
}

func newBatchSource(ds *api.Datasource, suffix string) (BatchSource, error) {
	if ds.TimestampField == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "datasource %s has no timestamp_field", ds.Name)
	}
	switch ds.Type {
	case constants.Datasource_Type_File:
		return NewFileSource(ds)
	case constants.Datasource_Type_Query:
		return newQuerySource(ds, "datasource_"+ds.Name+suffix)
	}
	return nil, api.NewError(api.CodeInvalidArgument, "datasource %s has unknown type:%s", ds.Name, ds.Type)
}

// CloseSources releases connections held by query sources.
func CloseSources(sources map[string]Source) {
	for _, src := range sources {
		if c, ok := src.(io.Closer); ok {
			c.Close()
		}
	}
}

// ParseRecord reads the timestamp fields of src out of raw.
func ParseRecord(src Source, raw map[string]interface{}) (*api.Record, error) {
	tsValue, ok := raw[src.TimestampField()]
	if !ok || tsValue == nil {
		return nil, api.NewError(api.CodeInvalidTimestamp, "missing timestamp field %s", src.TimestampField())
	}
	ts, err := utils.ToTime(tsValue)
	if err != nil {
		return nil, api.WrapError(api.CodeInvalidTimestamp, err, "field %s", src.TimestampField())
	}
	rec := &api.Record{Timestamp: ts, Fields: raw}
	if field := src.CreatedTimestampField(); field != "" {
		if v, ok := raw[field]; ok && v != nil && v != "" {
			created, err := utils.ToTime(v)
			if err != nil {
				return nil, api.WrapError(api.CodeInvalidTimestamp, err, "field %s", field)
			}
			rec.Created = created
		}
	}
	return rec, nil
}

// RequiredColumns is the set of columns a read of src must find.
func RequiredColumns(src Source, columns []string, filter *Filter) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(c string) {
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	add(src.TimestampField())
	add(src.CreatedTimestampField())
	for _, c := range columns {
		add(c)
	}
	if filter != nil {
		for _, c := range filter.Variables() {
			add(c)
		}
	}
	return out
}

func formatOf(ds *api.Datasource) string {
	if ds.Format != "" {
		return strings.ToLower(ds.Format)
	}
	switch strings.ToLower(filepath.Ext(ds.Path)) {
	case ".jsonl", ".json", ".ndjson":
		return constants.File_Format_JSONL
	}
	return constants.File_Format_CSV
}

// --------------------------------------------------------------------------
// shared iterator
// --------------------------------------------------------------------------

// rowIterator turns raw column maps into records: it parses timestamps,
// applies the time range and the filter, and projects columns.
type rowIterator struct {
	ctx     context.Context
	src     Source
	read    func() (map[string]interface{}, error)
	closer  io.Closer
	columns []string
	tr      api.TimeRange
	filter  *Filter

	cur *api.Record
	err error
}

func (it *rowIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		raw, err := it.read()
		if err == io.EOF {
			return false
		}
		if err != nil {
			it.err = err
			return false
		}
		rec, err := ParseRecord(it.src, raw)
		if err != nil {
			it.err = err
			return false
		}
		if !it.tr.Contains(rec.Timestamp) {
			continue
		}
		if it.filter != nil {
			ok, err := it.filter.Match(raw)
			if err != nil {
				it.err = api.WrapError(api.CodeSchemaMismatch, err, "filter of datasource %s", it.src.Name())
				return false
			}
			if !ok {
				continue
			}
		}
		if len(it.columns) > 0 {
			fields := make(map[string]interface{}, len(it.columns))
			for _, c := range it.columns {
				fields[c] = raw[c]
			}
			rec.Fields = fields
		}
		it.cur = rec
		return true
	}
}

func (it *rowIterator) Record() *api.Record {
	return it.cur
}

func (it *rowIterator) Err() error {
	return it.err
}

func (it *rowIterator) Close() error {
	if it.closer == nil {
		return nil
	}
	return it.closer.Close()
}

// Collect drains it into a slice and closes it.
func Collect(it RowIterator) ([]*api.Record, error) {
	defer it.Close()
	var out []*api.Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

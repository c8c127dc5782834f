package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/hologres"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource/mysql"
)

// QuerySource reads a table, or the result of a SQL query, on a mysql or a
// postgres compatible database. The time range is pushed into the WHERE clause.
type QuerySource struct {
	ds       *api.Datasource
	driver   string
	connName string
	flavor   sqlbuilder.Flavor
	filter   *Filter
	db       *sql.DB
}

func NewQuerySource(ds *api.Datasource) (*QuerySource, error) {
	return newQuerySource(ds, "datasource_"+ds.Name)
}

func newQuerySource(ds *api.Datasource, connName string) (*QuerySource, error) {
	if ds.DSN == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "query datasource %s has no dsn", ds.Name)
	}
	if (ds.Query == "") == (ds.Table == "") {
		return nil, api.NewError(api.CodeInvalidArgument, "query datasource %s needs exactly one of query and table", ds.Name)
	}
	s := &QuerySource{ds: ds, driver: strings.ToLower(ds.Driver), connName: connName}
	switch s.driver {
	case constants.Datasource_Type_Mysql:
		s.flavor = sqlbuilder.MySQL
		m, err := mysql.RegisterMysql(s.connName, ds.DSN)
		if err != nil {
			return nil, api.WrapError(api.CodeInvalidArgument, err, "datasource %s", ds.Name)
		}
		s.db = m.DB
	case constants.Datasource_Type_Postgres, constants.Datasource_Type_Hologres:
		s.flavor = sqlbuilder.PostgreSQL
		h, err := hologres.RegisterHologres(s.connName, s.driver, ds.DSN)
		if err != nil {
			return nil, api.WrapError(api.CodeInvalidArgument, err, "datasource %s", ds.Name)
		}
		s.db = h.DB
	default:
		return nil, api.NewError(api.CodeInvalidArgument, "query datasource %s has unknown driver:%s", ds.Name, ds.Driver)
	}
	if ds.Filter != "" {
		filter, err := CompileFilter(ds.Filter)
		if err != nil {
			s.Close()
			return nil, api.WrapError(api.CodeInvalidArgument, err, "datasource %s", ds.Name)
		}
		s.filter = filter
	}
	return s, nil
}

func (s *QuerySource) Name() string                  { return s.ds.Name }
func (s *QuerySource) Type() string                  { return constants.Datasource_Type_Query }
func (s *QuerySource) TimestampField() string        { return s.ds.TimestampField }
func (s *QuerySource) CreatedTimestampField() string { return s.ds.CreatedTimestampField }

func (s *QuerySource) Close() error {
	switch s.flavor {
	case sqlbuilder.MySQL:
		mysql.RemoveMysql(s.connName)
	default:
		hologres.RemoveHologres(s.connName)
	}
	return nil
}

func (s *QuerySource) from() string {
	if s.ds.Table != "" {
		return s.ds.Table
	}
	return fmt.Sprintf("(%s) AS src", strings.TrimRight(strings.TrimSpace(s.ds.Query), ";"))
}

// probeSQL selects no rows; it only reveals the result columns.
func (s *QuerySource) probeSQL() string {
	sb := sqlbuilder.NewSelectBuilder()
	sb.SetFlavor(s.flavor)
	sb.Select("*").From(s.from()).Where("1 = 0")
	query, _ := sb.Build()
	return query
}

func (s *QuerySource) selectSQL(required []string, tr api.TimeRange) (string, []interface{}) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.SetFlavor(s.flavor)
	cols := make([]string, len(required))
	for i, c := range required {
		cols[i] = s.flavor.Quote(c)
	}
	ts := s.flavor.Quote(s.ds.TimestampField)
	sb.Select(cols...).From(s.from())
	if !tr.Start.IsZero() {
		if tr.StartExclusive {
			sb.Where(sb.GreaterThan(ts, tr.Start))
		} else {
			sb.Where(sb.GreaterEqualThan(ts, tr.Start))
		}
	}
	if !tr.End.IsZero() {
		sb.Where(sb.LessEqualThan(ts, tr.End))
	}
	sb.OrderBy(ts).Asc()
	return sb.Build()
}

func (s *QuerySource) ResolveBatch(ctx context.Context, columns []string, tr api.TimeRange) (RowIterator, error) {
	required := RequiredColumns(s, columns, s.filter)

	probe, err := s.db.QueryContext(ctx, s.probeSQL())
	if err != nil {
		return nil, s.classify(err)
	}
	present, err := probe.Columns()
	probe.Close()
	if err != nil {
		return nil, s.classify(err)
	}
	has := make(map[string]bool, len(present))
	for _, c := range present {
		has[c] = true
	}
	if missing := missingColumns(required, func(c string) bool { return has[c] }); len(missing) > 0 {
		return nil, api.NewError(api.CodeSchemaMismatch, "datasource %s: columns %v not found", s.ds.Name, missing)
	}

	query, args := s.selectSQL(required, tr)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err)
	}
	return &rowIterator{
		ctx:     ctx,
		src:     s,
		read:    s.scanner(rows, required),
		closer:  rows,
		columns: columns,
		tr:      tr,
		filter:  s.filter,
	}, nil
}

func (s *QuerySource) scanner(rows *sql.Rows, cols []string) func() (map[string]interface{}, error) {
	return func() (map[string]interface{}, error) {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, s.classify(err)
			}
			return nil, io.EOF
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.classify(err)
		}
		raw := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			switch v := values[i].(type) {
			case []byte:
				raw[c] = inferValue(string(v))
			case time.Time:
				raw[c] = v.UTC()
			default:
				raw[c] = v
			}
		}
		return raw, nil
	}
}

// classify maps errors reported by the database server to SchemaMismatch and
// everything else (dial, timeout, closed pool) to SourceUnavailable.
func (s *QuerySource) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var myErr *gomysql.MySQLError
	var pqErr *pq.Error
	if errors.As(err, &myErr) || errors.As(err, &pqErr) {
		return api.WrapError(api.CodeSchemaMismatch, err, "datasource %s", s.ds.Name)
	}
	return api.WrapError(api.CodeSourceUnavailable, err, "datasource %s", s.ds.Name)
}

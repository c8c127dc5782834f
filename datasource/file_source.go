package datasource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
)

// FileSource reads a local csv file with a header line, or a file of JSON
// objects, one per line.
type FileSource struct {
	ds     *api.Datasource
	format string
	filter *Filter
}

func NewFileSource(ds *api.Datasource) (*FileSource, error) {
	if ds.Path == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "file datasource %s has no path", ds.Name)
	}
	s := &FileSource{ds: ds, format: formatOf(ds)}
	if s.format != constants.File_Format_CSV && s.format != constants.File_Format_JSONL {
		return nil, api.NewError(api.CodeInvalidArgument, "file datasource %s has unknown format:%s", ds.Name, s.format)
	}
	if ds.Filter != "" {
		filter, err := CompileFilter(ds.Filter)
		if err != nil {
			return nil, api.WrapError(api.CodeInvalidArgument, err, "datasource %s", ds.Name)
		}
		s.filter = filter
	}
	return s, nil
}

func (s *FileSource) Name() string                  { return s.ds.Name }
func (s *FileSource) Type() string                  { return constants.Datasource_Type_File }
func (s *FileSource) TimestampField() string        { return s.ds.TimestampField }
func (s *FileSource) CreatedTimestampField() string { return s.ds.CreatedTimestampField }
func (s *FileSource) Path() string                  { return s.ds.Path }
func (s *FileSource) Format() string                { return s.format }

func (s *FileSource) ResolveBatch(ctx context.Context, columns []string, tr api.TimeRange) (RowIterator, error) {
	f, err := os.Open(s.ds.Path)
	if err != nil {
		return nil, api.WrapError(api.CodeSourceUnavailable, err, "datasource %s", s.ds.Name)
	}
	required := RequiredColumns(s, columns, s.filter)

	var read func() (map[string]interface{}, error)
	switch s.format {
	case constants.File_Format_CSV:
		read, err = s.csvReader(f, required)
	default:
		read, err = s.jsonlReader(f, required)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rowIterator{
		ctx:     ctx,
		src:     s,
		read:    read,
		closer:  f,
		columns: columns,
		tr:      tr,
		filter:  s.filter,
	}, nil
}

func (s *FileSource) csvReader(r io.Reader, required []string) (func() (map[string]interface{}, error), error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err == io.EOF {
		return nil, api.NewError(api.CodeSchemaMismatch, "datasource %s: file has no header", s.ds.Name)
	}
	if err != nil {
		return nil, api.WrapError(api.CodeSchemaMismatch, err, "datasource %s", s.ds.Name)
	}
	header = append([]string(nil), header...)
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	if missing := missingColumns(required, func(c string) bool { _, ok := index[c]; return ok }); len(missing) > 0 {
		return nil, api.NewError(api.CodeSchemaMismatch, "datasource %s: columns %v not found", s.ds.Name, missing)
	}

	return func() (map[string]interface{}, error) {
		line, err := reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, api.WrapError(api.CodeSchemaMismatch, err, "datasource %s", s.ds.Name)
		}
		raw := make(map[string]interface{}, len(header))
		for name, i := range index {
			if i < len(line) {
				raw[name] = inferValue(line[i])
			}
		}
		return raw, nil
	}, nil
}

func (s *FileSource) jsonlReader(r io.Reader, required []string) (func() (map[string]interface{}, error), error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	return func() (map[string]interface{}, error) {
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			dec := json.NewDecoder(bytes.NewReader(line))
			dec.UseNumber()
			raw := make(map[string]interface{})
			if err := dec.Decode(&raw); err != nil {
				return nil, api.WrapError(api.CodeSchemaMismatch, err, "datasource %s", s.ds.Name)
			}
			for k, v := range raw {
				raw[k] = normalizeJSON(v)
			}
			// later lines may omit null columns
			if first {
				first = false
				if missing := missingColumns(required, func(c string) bool { _, ok := raw[c]; return ok }); len(missing) > 0 {
					return nil, api.NewError(api.CodeSchemaMismatch, "datasource %s: columns %v not found", s.ds.Name, missing)
				}
			}
			return raw, nil
		}
		if err := scanner.Err(); err != nil {
			return nil, api.WrapError(api.CodeSourceUnavailable, err, "datasource %s", s.ds.Name)
		}
		return nil, io.EOF
	}, nil
}

func missingColumns(required []string, has func(string) bool) []string {
	var missing []string
	for _, c := range required {
		if !has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// inferValue types a text cell: empty is null, integers keep their text when
// they would not round-trip (leading zeros), decimals become float64.
func inferValue(s string) interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if strconv.FormatInt(i, 10) == s {
			return i
		}
		return s
	}
	if strings.ContainsAny(s, ".eE") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	switch s {
	case "true", "TRUE", "True":
		return true
	case "false", "FALSE", "False":
		return false
	}
	return s
}

func normalizeJSON(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

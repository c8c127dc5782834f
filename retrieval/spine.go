package retrieval

import (
	"context"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

// LoadSpineFile reads an entity spine (a label table) from a CSV or JSON
// lines file. Columns other than joinKey and timestampField are ignored.
func LoadSpineFile(ctx context.Context, path, joinKey, timestampField string) ([]SpineRow, error) {
	src, err := datasource.NewFileSource(&api.Datasource{
		Name:           "spine",
		Type:           constants.Datasource_Type_File,
		Path:           path,
		TimestampField: timestampField,
	})
	if err != nil {
		return nil, err
	}
	it, err := src.ResolveBatch(ctx, []string{joinKey}, api.TimeRange{})
	if err != nil {
		return nil, err
	}
	records, err := datasource.Collect(it)
	if err != nil {
		return nil, err
	}
	spine := make([]SpineRow, 0, len(records))
	for i, rec := range records {
		key := utils.ToString(rec.Fields[joinKey], "")
		if key == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "spine row %d has no %s", i, joinKey)
		}
		spine = append(spine, SpineRow{EntityKey: key, EventTimestamp: rec.Timestamp})
	}
	return spine, nil
}

// SpineFromMaps converts request rows into a spine.
func SpineFromMaps(rows []map[string]interface{}, joinKey, timestampField string) ([]SpineRow, error) {
	spine := make([]SpineRow, 0, len(rows))
	for i, row := range rows {
		key := utils.ToString(row[joinKey], "")
		if key == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "spine row %d has no %s", i, joinKey)
		}
		ts, err := utils.ToTime(row[timestampField])
		if err != nil {
			return nil, api.WrapError(api.CodeInvalidArgument, err, "spine row %d", i)
		}
		spine = append(spine, SpineRow{EntityKey: key, EventTimestamp: ts})
	}
	return spine, nil
}

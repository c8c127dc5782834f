package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/dao"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

type FeatureView struct {
	*api.FeatureView
	Project       *Project
	FeatureEntity *FeatureEntity
	Source        datasource.Source
	featureFields []string
	fieldTypeMap  map[string]constants.FSType
	onlineDao     dao.FeatureViewOnlineDao
	offlineDao    dao.FeatureViewOfflineDao
}

func NewFeatureView(view *api.FeatureView, p *Project, entity *FeatureEntity, source datasource.Source) (*FeatureView, error) {
	if view.Name == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "feature view name is empty")
	}
	if view.Ttl < 0 {
		return nil, api.NewError(api.CodeInvalidArgument, "feature view %s has a negative ttl", view.Name)
	}
	if len(view.Fields) == 0 {
		return nil, api.NewError(api.CodeInvalidArgument, "feature view %s has no fields", view.Name)
	}

	featureView := &FeatureView{
		FeatureView:   view,
		Project:       p,
		FeatureEntity: entity,
		Source:        source,
		fieldTypeMap:  make(map[string]constants.FSType, len(view.Fields)),
	}
	for _, field := range view.Fields {
		if field == nil || field.Name == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "feature view %s has a field without name", view.Name)
		}
		if field.Name == entity.FeatureEntityJoinid {
			return nil, api.NewError(api.CodeInvalidArgument, "feature view %s: field %s shadows the join key", view.Name, field.Name)
		}
		if _, ok := featureView.fieldTypeMap[field.Name]; ok {
			return nil, api.NewError(api.CodeInvalidArgument, "feature view %s: duplicate field %s", view.Name, field.Name)
		}
		if field.Type == 0 {
			return nil, api.NewError(api.CodeInvalidArgument, "feature view %s: field %s has no type", view.Name, field.Name)
		}
		featureView.fieldTypeMap[field.Name] = field.Type
		featureView.featureFields = append(featureView.featureFields, field.Name)
	}

	var err error
	featureView.offlineDao, err = dao.NewFeatureViewOfflineDao(p.OfflineStore.DaoConfig(featureView))
	if err != nil {
		return nil, api.WrapError(api.CodeInvalidArgument, err, "feature view %s", view.Name)
	}
	featureView.onlineDao, err = dao.NewFeatureViewOnlineDao(p.OnlineStore.DaoConfig(featureView))
	if err != nil {
		return nil, api.WrapError(api.CodeInvalidArgument, err, "feature view %s", view.Name)
	}

	return featureView, nil
}

func (f *FeatureView) GetName() string {
	return f.Name
}

func (f *FeatureView) GetFeatureEntityName() string {
	return f.FeatureEntityName
}

func (f *FeatureView) GetJoinKey() string {
	return f.FeatureEntity.FeatureEntityJoinid
}

func (f *FeatureView) GetTTL() time.Duration {
	return f.Ttl.Std()
}

func (f *FeatureView) GetFields() []api.FeatureViewFields {
	fields := make([]api.FeatureViewFields, len(f.Fields))
	for i, field := range f.Fields {
		fields[i] = *field
	}
	return fields
}

func (f *FeatureView) FeatureNames() []string {
	return f.featureFields
}

func (f *FeatureView) HasFeature(name string) bool {
	_, ok := f.fieldTypeMap[name]
	return ok
}

func (f *FeatureView) FieldTypeMap() map[string]constants.FSType {
	return f.fieldTypeMap
}

// BatchSource is the source history of the view is read from: the view's own
// file or query source, or the backing batch source of a push source.
func (f *FeatureView) BatchSource() datasource.BatchSource {
	switch src := f.Source.(type) {
	case datasource.PushSource:
		return src.BatchSource()
	case datasource.BatchSource:
		return src
	}
	return nil
}

func (f *FeatureView) PushSource() (datasource.PushSource, bool) {
	src, ok := f.Source.(datasource.PushSource)
	return src, ok
}

func (f *FeatureView) OnlineDao() dao.FeatureViewOnlineDao {
	return f.onlineDao
}

func (f *FeatureView) OfflineDao() dao.FeatureViewOfflineDao {
	return f.offlineDao
}

// ToFeatureRow binds a source record to the view: the entity key is taken
// from the join key column and every declared field is coerced to its type.
// Absent fields are stored as null.
func (f *FeatureView) ToFeatureRow(rec *api.Record) (*api.FeatureRow, error) {
	key, err := f.FeatureEntity.KeyOf(rec.Fields)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(f.featureFields))
	for _, name := range f.featureFields {
		v, err := utils.Coerce(rec.Fields[name], f.fieldTypeMap[name])
		if err != nil {
			return nil, api.WrapError(api.CodeSchemaMismatch, err, "feature view %s field %s", f.Name, name)
		}
		values[name] = v
	}
	return &api.FeatureRow{
		EntityKey: key,
		Timestamp: rec.Timestamp,
		Created:   rec.Created,
		Values:    values,
	}, nil
}

// SourceColumns are the source columns needed to build rows of the view.
func (f *FeatureView) SourceColumns() []string {
	columns := make([]string, 0, len(f.featureFields)+1)
	columns = append(columns, f.GetJoinKey())
	columns = append(columns, f.featureFields...)
	return columns
}

// GetOnlineFeatures reads the latest rows of joinIds. Each result carries the
// join key and the selected features, renamed by alias. Keys without a row
// are left out.
func (f *FeatureView) GetOnlineFeatures(ctx context.Context, joinIds []string, features []string, alias map[string]string) ([]map[string]interface{}, error) {
	if !f.IsOnline() {
		return nil, api.NewError(api.CodeInvalidArgument, "feature view %s is not online", f.Name)
	}
	var selectFields []string
	seenFields := make(map[string]bool)
	for _, featureName := range features {
		if featureName == "*" {
			for _, field := range f.featureFields {
				if !seenFields[field] {
					selectFields = append(selectFields, field)
					seenFields[field] = true
				}
			}
			continue
		}
		if seenFields[featureName] {
			continue
		}
		if !f.HasFeature(featureName) {
			return nil, api.NewError(api.CodeUnknownReference, "feature name :%s not found in the featureview fields", featureName)
		}
		selectFields = append(selectFields, featureName)
		seenFields[featureName] = true
	}
	for featureName := range alias {
		if !f.HasFeature(featureName) {
			return nil, api.NewError(api.CodeUnknownReference, "feature name :%s not found in the featureview fields", featureName)
		}
	}

	rows, err := f.onlineDao.GetFeatures(ctx, joinIds)
	if err != nil {
		return nil, fmt.Errorf("feature view %s: %w", f.Name, err)
	}

	joinKey := f.GetJoinKey()
	featureResult := make([]map[string]interface{}, 0, len(rows))
	for _, key := range joinIds {
		row, ok := rows[key]
		if !ok {
			continue
		}
		featureMap := make(map[string]interface{}, len(selectFields)+1)
		featureMap[joinKey] = key
		for _, name := range selectFields {
			outName := name
			if aliasName, ok := alias[name]; ok {
				outName = aliasName
			}
			featureMap[outName] = row.Values[name]
		}
		featureResult = append(featureResult, featureMap)
		delete(rows, key)
	}
	return featureResult, nil
}

package domain

import (
	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils"
)

type FeatureEntity struct {
	*api.FeatureEntity
}

func NewFeatureEntity(entity *api.FeatureEntity) (*FeatureEntity, error) {
	if entity.FeatureEntityName == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "feature entity name is empty")
	}
	if entity.FeatureEntityJoinid == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "feature entity %s has no join key", entity.FeatureEntityName)
	}
	return &FeatureEntity{FeatureEntity: entity}, nil
}

func (e *FeatureEntity) GetJoinKey() string {
	return e.FeatureEntityJoinid
}

// KeyOf renders the join key value of fields as an entity key. A typed
// entity checks the value against its declared type first.
func (e *FeatureEntity) KeyOf(fields map[string]interface{}) (string, error) {
	v, ok := fields[e.FeatureEntityJoinid]
	if !ok || v == nil {
		return "", api.NewError(api.CodeInvalidArgument, "join key %s is missing", e.FeatureEntityJoinid)
	}
	if e.ValueType != 0 {
		typed, err := utils.Coerce(v, e.ValueType)
		if err != nil {
			return "", api.WrapError(api.CodeInvalidArgument, err, "join key %s", e.FeatureEntityJoinid)
		}
		if typed == nil {
			return "", api.NewError(api.CodeInvalidArgument, "join key %s is empty", e.FeatureEntityJoinid)
		}
		v = typed
	}
	key := utils.ToString(v, "")
	if key == "" {
		return "", api.NewError(api.CodeInvalidArgument, "join key %s is empty", e.FeatureEntityJoinid)
	}
	return key, nil
}

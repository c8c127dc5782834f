package api

import "github.com/aliyun/aliyun-pai-featurestore-core/constants"

type FeatureEntity struct {
	FeatureEntityName   string            `json:"feature_entity_name" yaml:"name"`
	FeatureEntityJoinid string            `json:"feature_entity_joinid" yaml:"join_key"`
	ValueType           constants.FSType  `json:"value_type,omitempty" yaml:"value_type,omitempty"`
	Description         string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags                map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

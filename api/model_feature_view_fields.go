package api

import "github.com/aliyun/aliyun-pai-featurestore-core/constants"

type FeatureViewFields struct {
	Name     string           `json:"name,omitempty" yaml:"name"`
	Type     constants.FSType `json:"type,omitempty" yaml:"type"`
	Position int              `json:"position,omitempty" yaml:"-"`
}

package api

// FeatureService is a named, ordered list of projections over feature views.
type FeatureService struct {
	Name        string                      `json:"name" yaml:"name"`
	Features    []*FeatureServiceProjection `json:"features" yaml:"features"`
	Owner       string                      `json:"owner,omitempty" yaml:"owner,omitempty"`
	Tags        map[string]string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description string                      `json:"description,omitempty" yaml:"description,omitempty"`
}

// FeatureServiceProjection selects columns of one view. An empty Features
// list (or "*") selects every column of the view.
type FeatureServiceProjection struct {
	FeatureViewName string            `json:"feature_view" yaml:"feature_view"`
	Features        []string          `json:"features,omitempty" yaml:"features,omitempty"`
	AliasNames      map[string]string `json:"alias_names,omitempty" yaml:"alias_names,omitempty"`
}

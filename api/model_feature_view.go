package api

type FeatureView struct {
	Name              string               `json:"name" yaml:"name"`
	FeatureEntityName string               `json:"feature_entity_name" yaml:"entity"`
	Datasource        string               `json:"datasource" yaml:"source"`
	Owner             string               `json:"owner,omitempty" yaml:"owner,omitempty"`
	Online            *bool                `json:"online,omitempty" yaml:"online,omitempty"`
	Ttl               Duration             `json:"ttl" yaml:"ttl"`
	Tags              map[string]string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description       string               `json:"description,omitempty" yaml:"description,omitempty"`
	Fields            []*FeatureViewFields `json:"fields" yaml:"schema"`
}

// IsOnline reports whether the view is served from the online tier. Views
// are online unless declared otherwise.
func (v *FeatureView) IsOnline() bool {
	return v.Online == nil || *v.Online
}

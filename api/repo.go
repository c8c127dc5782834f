package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repo is the declarative definition of a feature store project.
type Repo struct {
	Project         string            `json:"project" yaml:"project"`
	OnlineStore     *StoreConfig      `json:"online_store,omitempty" yaml:"online_store,omitempty"`
	OfflineStore    *StoreConfig      `json:"offline_store,omitempty" yaml:"offline_store,omitempty"`
	FeatureEntities []*FeatureEntity  `json:"entities,omitempty" yaml:"entities,omitempty"`
	Datasources     []*Datasource     `json:"datasources,omitempty" yaml:"datasources,omitempty"`
	FeatureViews    []*FeatureView    `json:"feature_views,omitempty" yaml:"feature_views,omitempty"`
	FeatureServices []*FeatureService `json:"feature_services,omitempty" yaml:"feature_services,omitempty"`
}

// Merge appends the definitions of o to r. Scalar settings of o win when set.
func (r *Repo) Merge(o *Repo) {
	if o.Project != "" {
		r.Project = o.Project
	}
	if o.OnlineStore != nil {
		r.OnlineStore = o.OnlineStore
	}
	if o.OfflineStore != nil {
		r.OfflineStore = o.OfflineStore
	}
	r.FeatureEntities = append(r.FeatureEntities, o.FeatureEntities...)
	r.Datasources = append(r.Datasources, o.Datasources...)
	r.FeatureViews = append(r.FeatureViews, o.FeatureViews...)
	r.FeatureServices = append(r.FeatureServices, o.FeatureServices...)
}

// ParseRepo decodes a repo from YAML. Several documents in one stream are merged.
func ParseRepo(r io.Reader) (*Repo, error) {
	repo := &Repo{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	for {
		doc := &Repo{}
		err := dec.Decode(doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse repo error, err=%w", err)
		}
		repo.Merge(doc)
	}
	for _, view := range repo.FeatureViews {
		for i, field := range view.Fields {
			field.Position = i + 1
		}
	}
	return repo, nil
}

// LoadRepo reads a repo from a YAML file, or from every *.yaml / *.yml file
// of a directory in lexical order.
func LoadRepo(path string) (*Repo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var buf bytes.Buffer
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		buf.WriteString("---\n")
		buf.Write(data)
		buf.WriteString("\n")
	}
	return ParseRepo(&buf)
}

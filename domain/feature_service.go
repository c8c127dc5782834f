package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

// FeatureRef is one output column of a feature service.
type FeatureRef struct {
	View       *FeatureView
	Feature    string
	OutputName string
}

func (r FeatureRef) String() string {
	return r.View.Name + ":" + r.Feature
}

type FeatureService struct {
	*api.FeatureService
	project        *Project
	refs           []FeatureRef
	featureViews   []*FeatureView          // in first reference order
	featureRefsMap map[string][]FeatureRef // featureview : refs
	joinKey        string
}

// NewFeatureService expands the projections of svc into ordered refs. Every
// view and feature must exist, output names must be unique and all views
// must share one join key.
func NewFeatureService(svc *api.FeatureService, p *Project) (*FeatureService, error) {
	if svc.Name == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "feature service name is empty")
	}
	if len(svc.Features) == 0 {
		return nil, api.NewError(api.CodeInvalidArgument, "feature service %s selects no features", svc.Name)
	}
	s := &FeatureService{
		FeatureService: svc,
		project:        p,
		featureRefsMap: make(map[string][]FeatureRef),
	}

	outputs := make(map[string]string)
	for _, projection := range svc.Features {
		if projection == nil {
			return nil, api.NewError(api.CodeInvalidArgument, "feature service %s has an empty projection", svc.Name)
		}
		featureView := p.GetFeatureView(projection.FeatureViewName)
		if featureView == nil {
			return nil, api.NewError(api.CodeUnknownReference, "feature service %s: feature view %s not found", svc.Name, projection.FeatureViewName)
		}
		if s.joinKey == "" {
			s.joinKey = featureView.GetJoinKey()
		} else if s.joinKey != featureView.GetJoinKey() {
			return nil, api.NewError(api.CodeInvalidArgument, "feature service %s mixes join keys %s and %s", svc.Name, s.joinKey, featureView.GetJoinKey())
		}
		for featureName := range projection.AliasNames {
			if !featureView.HasFeature(featureName) {
				return nil, api.NewError(api.CodeUnknownReference, "feature service %s: alias of unknown feature %s:%s", svc.Name, featureView.Name, featureName)
			}
		}

		names := projection.Features
		if len(names) == 0 {
			names = []string{"*"}
		}
		for _, name := range names {
			expanded := []string{name}
			if name == "*" {
				expanded = featureView.FeatureNames()
			} else if !featureView.HasFeature(name) {
				return nil, api.NewError(api.CodeUnknownReference, "feature service %s: feature %s:%s not found", svc.Name, featureView.Name, name)
			}
			for _, featureName := range expanded {
				ref := FeatureRef{View: featureView, Feature: featureName, OutputName: featureName}
				if alias := projection.AliasNames[featureName]; alias != "" {
					ref.OutputName = alias
				}
				if err := s.add(ref, outputs); err != nil {
					return nil, err
				}
			}
		}
	}
	return s, nil
}

func (s *FeatureService) add(ref FeatureRef, outputs map[string]string) error {
	if ref.OutputName == s.joinKey {
		return api.NewError(api.CodeInvalidArgument, "feature service %s: output %s collides with the join key", s.Name, ref.OutputName)
	}
	if prev, ok := outputs[ref.OutputName]; ok {
		return api.NewError(api.CodeInvalidArgument, "feature service %s: duplicate output name %s (%s and %s)", s.Name, ref.OutputName, prev, ref)
	}
	outputs[ref.OutputName] = ref.String()

	viewName := ref.View.Name
	if _, ok := s.featureRefsMap[viewName]; !ok {
		s.featureViews = append(s.featureViews, ref.View)
	}
	s.featureRefsMap[viewName] = append(s.featureRefsMap[viewName], ref)
	s.refs = append(s.refs, ref)
	return nil
}

// ParseFeatureRefs builds an unnamed service from "view:feature" strings.
func ParseFeatureRefs(refs []string, p *Project) (*FeatureService, error) {
	if len(refs) == 0 {
		return nil, api.NewError(api.CodeInvalidArgument, "no feature refs")
	}
	svc := &api.FeatureService{Name: "__refs__"}
	index := make(map[string]*api.FeatureServiceProjection)
	for _, ref := range refs {
		viewName, featureName, ok := strings.Cut(ref, ":")
		if !ok || viewName == "" || featureName == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "feature ref %q is not view:feature", ref)
		}
		projection, ok := index[viewName]
		if !ok {
			projection = &api.FeatureServiceProjection{FeatureViewName: viewName}
			index[viewName] = projection
			svc.Features = append(svc.Features, projection)
		}
		projection.Features = append(projection.Features, featureName)
	}
	return NewFeatureService(svc, p)
}

func (s *FeatureService) GetName() string {
	return s.Name
}

func (s *FeatureService) Refs() []FeatureRef {
	return s.refs
}

// FeatureViews are the distinct views of the service in reference order.
func (s *FeatureService) FeatureViews() []*FeatureView {
	return s.featureViews
}

func (s *FeatureService) GetJoinKey() string {
	return s.joinKey
}

func (s *FeatureService) OutputNames() []string {
	names := make([]string, len(s.refs))
	for i, ref := range s.refs {
		names[i] = ref.OutputName
	}
	return names
}

// RefsOf returns the refs of the service that read featureView.
func (s *FeatureService) RefsOf(featureView *FeatureView) []FeatureRef {
	if featureView == nil {
		return nil
	}
	refs := s.featureRefsMap[featureView.Name]
	if len(refs) == 0 || refs[0].View != featureView {
		return nil
	}
	return refs
}

// GetOnlineFeatures returns one row per key, in key order. Every row has the
// join key and every output of the service; features of keys without an
// online row are nil.
func (s *FeatureService) GetOnlineFeatures(ctx context.Context, keys []string) ([]map[string]interface{}, error) {
	for _, featureView := range s.featureViews {
		if !featureView.IsOnline() {
			return nil, api.NewError(api.CodeInvalidArgument, "feature view %s is not online", featureView.Name)
		}
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	viewRows := make(map[string]map[string]*api.FeatureRow, len(s.featureViews))
	for _, featureView := range s.featureViews {
		wg.Add(1)
		go func(featureView *FeatureView) {
			defer wg.Done()
			rows, err := featureView.onlineDao.GetFeatures(ctx, keys)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("feature view %s: %w", featureView.Name, err)
				}
				return
			}
			viewRows[featureView.Name] = rows
		}(featureView)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	// every ref is projected on its own, so one feature may appear under
	// several output names
	featuresResult := make([]map[string]interface{}, len(keys))
	for idx, key := range keys {
		featureMap := make(map[string]interface{}, len(s.refs)+1)
		featureMap[s.joinKey] = key
		for _, ref := range s.refs {
			var value interface{}
			if row, ok := viewRows[ref.View.Name][key]; ok {
				value = row.Values[ref.Feature]
			}
			featureMap[ref.OutputName] = value
		}
		featuresResult[idx] = featureMap
	}
	return featuresResult, nil
}

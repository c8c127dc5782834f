package domain

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource"
)

// Project is one immutable, validated snapshot of a repo.
type Project struct {
	ProjectName       string
	Version           int64
	OnlineStore       OnlineStore
	OfflineStore      OfflineStore
	SourceMap         map[string]datasource.Source
	FeatureViewMap    map[string]*FeatureView
	FeatureEntityMap  map[string]*FeatureEntity
	FeatureServiceMap map[string]*FeatureService
	repo              *api.Repo
}

var snapshotSeq atomic.Int64

// connSuffix is appended to the names every store and query source of one
// snapshot registers its pool under, so each snapshot owns its connections
// and building or closing one never touches the pools of another.
func connSuffix(snapshot int64) string {
	return fmt.Sprintf("#%d", snapshot)
}

// NewProject registers the store connections of repo and resolves every
// reference in it. It fails on the first invalid declaration and then
// releases whatever it had registered.
func NewProject(repo *api.Repo) (_ *Project, err error) {
	if repo == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "repo is nil")
	}
	if repo.Project == "" {
		return nil, api.NewError(api.CodeInvalidArgument, "project name is empty")
	}
	p := &Project{
		ProjectName:       repo.Project,
		FeatureViewMap:    make(map[string]*FeatureView),
		FeatureEntityMap:  make(map[string]*FeatureEntity),
		FeatureServiceMap: make(map[string]*FeatureService),
		repo:              repo,
	}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	suffix := connSuffix(snapshotSeq.Add(1))
	if p.OnlineStore, err = NewOnlineStore(repo.Project, suffix, repo.OnlineStore); err != nil {
		return nil, err
	}
	if p.OfflineStore, err = NewOfflineStore(repo.Project, suffix, repo.OfflineStore); err != nil {
		return nil, err
	}

	for _, e := range repo.FeatureEntities {
		if e == nil {
			continue
		}
		entity, err := NewFeatureEntity(e)
		if err != nil {
			return nil, err
		}
		if _, ok := p.FeatureEntityMap[entity.FeatureEntityName]; ok {
			return nil, api.NewError(api.CodeInvalidArgument, "duplicate feature entity:%s", entity.FeatureEntityName)
		}
		p.FeatureEntityMap[entity.FeatureEntityName] = entity
	}

	if p.SourceMap, err = datasource.NewSources(repo.Datasources, suffix); err != nil {
		return nil, err
	}

	for _, view := range repo.FeatureViews {
		if view == nil {
			continue
		}
		if _, ok := p.FeatureViewMap[view.Name]; ok {
			return nil, api.NewError(api.CodeInvalidArgument, "duplicate feature view:%s", view.Name)
		}
		entity := p.GetFeatureEntity(view.FeatureEntityName)
		if entity == nil {
			return nil, api.NewError(api.CodeUnknownReference, "feature view %s references unknown entity %s", view.Name, view.FeatureEntityName)
		}
		source, ok := p.SourceMap[view.Datasource]
		if !ok {
			return nil, api.NewError(api.CodeUnknownReference, "feature view %s references unknown datasource %s", view.Name, view.Datasource)
		}
		featureView, err := NewFeatureView(view, p, entity, source)
		if err != nil {
			return nil, err
		}
		p.FeatureViewMap[view.Name] = featureView
	}

	for _, svc := range repo.FeatureServices {
		if svc == nil {
			continue
		}
		if _, ok := p.FeatureServiceMap[svc.Name]; ok {
			return nil, api.NewError(api.CodeInvalidArgument, "duplicate feature service:%s", svc.Name)
		}
		service, err := NewFeatureService(svc, p)
		if err != nil {
			return nil, err
		}
		p.FeatureServiceMap[svc.Name] = service
	}

	return p, nil
}

func (p *Project) Repo() *api.Repo {
	return p.repo
}

func (p *Project) GetFeatureView(name string) *FeatureView {
	return p.FeatureViewMap[name]
}

func (p *Project) GetFeatureEntity(name string) *FeatureEntity {
	return p.FeatureEntityMap[name]
}

func (p *Project) GetFeatureService(name string) *FeatureService {
	return p.FeatureServiceMap[name]
}

func (p *Project) GetDatasource(name string) datasource.Source {
	return p.SourceMap[name]
}

// FindFeatureView is GetFeatureView with an UnknownReference error.
func (p *Project) FindFeatureView(name string) (*FeatureView, error) {
	if featureView := p.GetFeatureView(name); featureView != nil {
		return featureView, nil
	}
	return nil, api.NewError(api.CodeUnknownReference, "feature view %s not found", name)
}

// FindFeatureService is GetFeatureService with an UnknownReference error.
func (p *Project) FindFeatureService(name string) (*FeatureService, error) {
	if service := p.GetFeatureService(name); service != nil {
		return service, nil
	}
	return nil, api.NewError(api.CodeUnknownReference, "feature service %s not found", name)
}

// FeatureViews returns every view ordered by name.
func (p *Project) FeatureViews() []*FeatureView {
	views := make([]*FeatureView, 0, len(p.FeatureViewMap))
	for _, featureView := range p.FeatureViewMap {
		views = append(views, featureView)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// FeatureViewsOfSource returns the views fed by the named source, ordered by name.
func (p *Project) FeatureViewsOfSource(name string) []*FeatureView {
	var views []*FeatureView
	for _, featureView := range p.FeatureViews() {
		if featureView.Source.Name() == name {
			views = append(views, featureView)
		}
	}
	return views
}

// PushSources returns every push source of the project.
func (p *Project) PushSources() []datasource.PushSource {
	var sources []datasource.PushSource
	for _, src := range p.SourceMap {
		if push, ok := src.(datasource.PushSource); ok {
			sources = append(sources, push)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name() < sources[j].Name() })
	return sources
}

// ResolveFeatureRefs builds an unnamed service from "view:feature" refs.
func (p *Project) ResolveFeatureRefs(refs []string) (*FeatureService, error) {
	return ParseFeatureRefs(refs, p)
}

// Close releases the connections registered for this snapshot.
func (p *Project) Close() {
	datasource.CloseSources(p.SourceMap)
	if p.OnlineStore != nil {
		p.OnlineStore.Close()
	}
	if p.OfflineStore != nil {
		p.OfflineStore.Close()
	}
}

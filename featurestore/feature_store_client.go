package featurestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/ingestion"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/materialize"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
	"github.com/aliyun/aliyun-pai-featurestore-core/retrieval"
)

type ClientOption func(c *FeatureStoreClient)

func WithLogger(l logger.Logger) ClientOption {
	return func(e *FeatureStoreClient) {
		e.Logger = l
	}
}

func WithErrorLogger(l logger.Logger) ClientOption {
	return func(e *FeatureStoreClient) {
		e.ErrorLogger = l
	}
}

// WithLeveledLogger replaces the Printf loggers.
func WithLeveledLogger(l logger.LeveledLogger) ClientOption {
	return func(e *FeatureStoreClient) {
		e.log = l
	}
}

// WithRepo applies repo when the client is created.
func WithRepo(repo *api.Repo) ClientOption {
	return func(e *FeatureStoreClient) {
		e.repo = repo
	}
}

// WithRepoPath loads the repo from a YAML file or directory.
func WithRepoPath(path string) ClientOption {
	return func(e *FeatureStoreClient) {
		e.repoPath = path
	}
}

// WithLoopLoadRepo reloads the repo at path every interval.
func WithLoopLoadRepo(path string, interval time.Duration) ClientOption {
	return func(e *FeatureStoreClient) {
		e.repoPath = path
		e.loopInterval = interval
	}
}

// WithOnlineStore overrides the online store of every applied repo.
func WithOnlineStore(cfg *api.StoreConfig) ClientOption {
	return func(e *FeatureStoreClient) {
		e.onlineStore = cfg
	}
}

// WithOfflineStore overrides the offline store of every applied repo.
func WithOfflineStore(cfg *api.StoreConfig) ClientOption {
	return func(e *FeatureStoreClient) {
		e.offlineStore = cfg
	}
}

func WithMaxClockSkew(d time.Duration) ClientOption {
	return func(e *FeatureStoreClient) {
		e.maxClockSkew = d
	}
}

func WithBoundaryPolicy(policy materialize.BoundaryPolicy) ClientOption {
	return func(e *FeatureStoreClient) {
		e.policy = policy
	}
}

// WithSchedule runs an incremental materialization of every view on the
// cron schedule until the client is closed.
func WithSchedule(schedule string) ClientOption {
	return func(e *FeatureStoreClient) {
		e.schedule = schedule
	}
}

func WithClock(clock func() time.Time) ClientOption {
	return func(e *FeatureStoreClient) {
		e.clock = clock
	}
}

func WithMaterializeParallelism(n int) ClientOption {
	return func(e *FeatureStoreClient) {
		e.parallelism = n
	}
}

type FeatureStoreClient struct {
	repo         *api.Repo
	repoPath     string
	loopInterval time.Duration

	onlineStore  *api.StoreConfig
	offlineStore *api.StoreConfig

	maxClockSkew time.Duration
	policy       materialize.BoundaryPolicy
	schedule     string
	parallelism  int
	clock        func() time.Time

	// Logger specifies a logger used to report internal changes within the client
	Logger logger.Logger

	// ErrorLogger is the logger to report errors
	ErrorLogger logger.Logger

	log logger.LeveledLogger

	registry  *domain.Registry
	gateway   *ingestion.Gateway
	engine    *retrieval.HistoricalEngine
	scheduler *materialize.Scheduler

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFeatureStoreClient wires the registry, the push gateway, the historical
// engine and the materialization scheduler. A repo given by WithRepo or
// WithRepoPath is applied before it returns.
func NewFeatureStoreClient(opts ...ClientOption) (*FeatureStoreClient, error) {
	client := FeatureStoreClient{
		maxClockSkew: ingestion.DefaultMaxClockSkew,
		parallelism:  4,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&client)
	}
	if client.log == nil {
		info := client.Logger
		errLogger := client.ErrorLogger
		if errLogger == nil {
			errLogger = info
		}
		client.log = logger.FromPrintf(info, errLogger)
	}

	client.registry = domain.NewRegistry()
	client.gateway = ingestion.NewGateway(client.registry,
		ingestion.WithMaxClockSkew(client.maxClockSkew),
		ingestion.WithClock(client.clock),
		ingestion.WithLogger(client.log))
	client.engine = retrieval.NewHistoricalEngine(retrieval.WithLogger(client.log))
	client.scheduler = materialize.NewScheduler(client.registry,
		materialize.WithBatchLoader(client.gateway),
		materialize.WithBoundaryPolicy(client.policy),
		materialize.WithParallelism(client.parallelism),
		materialize.WithClock(client.clock),
		materialize.WithLogger(client.log))
	client.registry.OnApply(func(p *domain.Project) { metrics.RegistryVersion(p.ProjectName, p.Version) })

	switch {
	case client.repo != nil:
		if _, err := client.Apply(client.repo); err != nil {
			return nil, err
		}
	case client.repoPath != "":
		if err := client.LoadProjectData(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.cancel = cancel
	if client.repoPath != "" && client.loopInterval > 0 {
		client.wg.Add(1)
		go client.loopLoadProjectData(ctx)
	}
	if client.schedule != "" {
		client.wg.Add(1)
		go func() {
			defer client.wg.Done()
			if err := client.scheduler.Run(ctx, client.schedule); err != nil && ctx.Err() == nil {
				client.log.Errorf("materialization schedule stopped, err=%v", err)
			}
		}()
	}

	return &client, nil
}

// Apply validates repo and makes it the current project. Store overrides of
// the client take precedence over the repo's own store settings.
func (c *FeatureStoreClient) Apply(repo *api.Repo) (*domain.Project, error) {
	if repo == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "repo is nil")
	}
	r := *repo
	if c.onlineStore != nil {
		r.OnlineStore = c.onlineStore
	}
	if c.offlineStore != nil {
		r.OfflineStore = c.offlineStore
	}
	p, err := c.registry.Apply(&r)
	if err != nil {
		c.log.Errorf("apply repo error, err=%v", err)
		return nil, err
	}
	c.log.Infof("applied project %s version %d: %d feature views, %d feature services",
		p.ProjectName, p.Version, len(p.FeatureViewMap), len(p.FeatureServiceMap))
	return p, nil
}

// LoadProjectData reads the repo path and applies it.
func (c *FeatureStoreClient) LoadProjectData() error {
	if c.repoPath == "" {
		return api.NewError(api.CodeInvalidArgument, "no repo path configured")
	}
	repo, err := api.LoadRepo(c.repoPath)
	if err != nil {
		c.log.Errorf("load repo error, path=%s, err=%v", c.repoPath, err)
		return api.WrapError(api.CodeInvalidArgument, err, "load repo %s", c.repoPath)
	}
	_, err = c.Apply(repo)
	return err
}

func (c *FeatureStoreClient) loopLoadProjectData(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.loopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a broken repo keeps the last good project
			c.LoadProjectData()
		}
	}
}

func (c *FeatureStoreClient) Registry() *domain.Registry {
	return c.registry
}

func (c *FeatureStoreClient) GetProject() (*domain.Project, error) {
	return c.registry.Project()
}

func (c *FeatureStoreClient) GetFeatureService(name string) (*domain.FeatureService, error) {
	p, err := c.registry.Project()
	if err != nil {
		return nil, err
	}
	return p.FindFeatureService(name)
}

// Push ingests records into a push source or a feature view.
func (c *FeatureStoreClient) Push(ctx context.Context, name string, records []map[string]interface{}, mode constants.PushMode) (*api.WriteReceipt, error) {
	return c.gateway.Push(ctx, name, records, mode)
}

// GetOnlineFeatures returns the latest values of the service's features, one
// row per key in key order.
func (c *FeatureStoreClient) GetOnlineFeatures(ctx context.Context, service string, keys []string) ([]map[string]interface{}, error) {
	svc, err := c.GetFeatureService(service)
	if err != nil {
		return nil, err
	}
	return c.onlineFeatures(ctx, svc, keys)
}

// GetOnlineFeaturesByRefs is GetOnlineFeatures over "view:feature" refs.
func (c *FeatureStoreClient) GetOnlineFeaturesByRefs(ctx context.Context, refs []string, keys []string) ([]map[string]interface{}, error) {
	p, err := c.registry.Project()
	if err != nil {
		return nil, err
	}
	svc, err := p.ResolveFeatureRefs(refs)
	if err != nil {
		return nil, err
	}
	return c.onlineFeatures(ctx, svc, keys)
}

func (c *FeatureStoreClient) onlineFeatures(ctx context.Context, svc *domain.FeatureService, keys []string) ([]map[string]interface{}, error) {
	start := time.Now()
	features, err := svc.GetOnlineFeatures(ctx, keys)
	if err != nil {
		c.log.Errorf("get online features of %s error, err=%v", svc.GetName(), err)
		return nil, err
	}
	metrics.OnlineRead(svc.GetName(), len(keys), start)
	return features, nil
}

// GetHistoricalFeatures builds a point-in-time correct table for spine.
func (c *FeatureStoreClient) GetHistoricalFeatures(ctx context.Context, spine []retrieval.SpineRow, service string) (*retrieval.HistoricalResult, error) {
	svc, err := c.GetFeatureService(service)
	if err != nil {
		return nil, err
	}
	return c.engine.GetHistoricalFeatures(ctx, spine, svc)
}

func (c *FeatureStoreClient) GetHistoricalFeaturesByRefs(ctx context.Context, spine []retrieval.SpineRow, refs []string) (*retrieval.HistoricalResult, error) {
	p, err := c.registry.Project()
	if err != nil {
		return nil, err
	}
	svc, err := p.ResolveFeatureRefs(refs)
	if err != nil {
		return nil, err
	}
	return c.engine.GetHistoricalFeatures(ctx, spine, svc)
}

// LoadBatch copies the batch source rows of view within [start, end] into
// the offline log. Zero times leave that side open.
func (c *FeatureStoreClient) LoadBatch(ctx context.Context, view string, start, end time.Time) (*api.WriteReceipt, error) {
	p, err := c.registry.Project()
	if err != nil {
		return nil, err
	}
	featureView, err := p.FindFeatureView(view)
	if err != nil {
		return nil, err
	}
	return c.gateway.LoadBatch(ctx, featureView, api.TimeRange{Start: start, End: end})
}

func (c *FeatureStoreClient) Materialize(ctx context.Context, view string, start, end time.Time) (*materialize.Job, error) {
	return c.scheduler.Materialize(ctx, view, start, end)
}

// MaterializeAll materializes views, or every view when empty.
func (c *FeatureStoreClient) MaterializeAll(ctx context.Context, views []string, start, end time.Time) ([]*materialize.Job, error) {
	return c.scheduler.MaterializeAll(ctx, views, start, end)
}

func (c *FeatureStoreClient) MaterializeIncremental(ctx context.Context, opts materialize.IncrementalOptions) ([]*materialize.Job, error) {
	return c.scheduler.MaterializeIncremental(ctx, opts)
}

// Jobs lists the materialization jobs of view, or of every view when empty.
func (c *FeatureStoreClient) Jobs(view string) []*materialize.Job {
	return c.scheduler.JobStore().Jobs(view)
}

func (c *FeatureStoreClient) GetJob(id string) (*materialize.Job, error) {
	job, ok := c.scheduler.JobStore().Get(id)
	if !ok {
		return nil, api.NewError(api.CodeUnknownReference, "not found job, id:%s", id)
	}
	return job, nil
}

// Close stops the background loops and releases the store connections.
func (c *FeatureStoreClient) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.registry.Close()
	})
}

func (c *FeatureStoreClient) String() string {
	p, err := c.registry.Project()
	if err != nil {
		return "FeatureStoreClient{}"
	}
	return fmt.Sprintf("FeatureStoreClient{project:%s, version:%d}", p.ProjectName, p.Version)
}

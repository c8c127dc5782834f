package materialize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/antihax/optional"
	"github.com/gorhill/cronexpr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
	"github.com/aliyun/aliyun-pai-featurestore-core/utils/retry"
)

// BatchLoader copies a view's batch source into its offline log.
type BatchLoader interface {
	LoadBatch(ctx context.Context, featureView *domain.FeatureView, tr api.TimeRange) (*api.WriteReceipt, error)
}

// Scheduler copies the latest offline rows of feature views into the online
// tier. Jobs of one view run one at a time; jobs of different views run in
// parallel.
type Scheduler struct {
	registry    *domain.Registry
	loader      BatchLoader
	store       JobStore
	policy      BoundaryPolicy
	parallelism int
	attempts    int
	backoff     func() retry.Backoff
	clock       func() time.Time
	log         logger.LeveledLogger

	locks *xsync.MapOf[string, chan struct{}]
	seq   atomic.Int64
}

type Option func(*Scheduler)

func WithJobStore(store JobStore) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

func WithBoundaryPolicy(policy BoundaryPolicy) Option {
	return func(s *Scheduler) {
		s.policy = policy
	}
}

// WithParallelism bounds the number of views materialized at once.
func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		s.parallelism = n
	}
}

// WithRetry retries store operations failing with SourceUnavailable.
func WithRetry(attempts int, initialInterval time.Duration) Option {
	return func(s *Scheduler) {
		s.attempts = attempts
		s.backoff = func() retry.Backoff { return retry.ExponentialBackoff(initialInterval, 2) }
	}
}

// WithBatchLoader syncs file and query backed views into the offline log
// before they are materialized.
func WithBatchLoader(loader BatchLoader) Option {
	return func(s *Scheduler) {
		s.loader = loader
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithLogger(l logger.LeveledLogger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

func NewScheduler(registry *domain.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry:    registry,
		store:       NewMemoryJobStore(),
		parallelism: 4,
		attempts:    3,
		backoff:     func() retry.Backoff { return retry.ExponentialBackoff(200*time.Millisecond, 2) },
		clock:       time.Now,
		log:         logger.Nop(),
		locks:       xsync.NewMapOf[string, chan struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) JobStore() JobStore {
	return s.store
}

// Materialize runs one job for view over start..end, as bounded by the
// boundary policy. The returned error is the job's failure, if any; the job
// is returned whenever it was created.
func (s *Scheduler) Materialize(ctx context.Context, view string, start, end time.Time) (*Job, error) {
	if end.IsZero() {
		return nil, api.NewError(api.CodeInvalidArgument, "materialization of %s needs an end time", view)
	}
	if !start.IsZero() && end.Before(start) {
		return nil, api.NewError(api.CodeInvalidArgument, "materialization of %s: end %s is before start %s", view, end, start)
	}
	p, err := s.registry.Project()
	if err != nil {
		return nil, err
	}
	featureView, err := p.FindFeatureView(view)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        fmt.Sprintf("%s-%d", view, s.seq.Add(1)),
		View:      view,
		Start:     start,
		End:       end,
		Status:    StatusPending,
		CreatedAt: s.clock(),
	}
	s.save(job)

	lock, _ := s.locks.LoadOrCompute(view, func() chan struct{} { return make(chan struct{}, 1) })
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return s.finish(job, ctx.Err())
	}
	defer func() { <-lock }()

	job.Status = StatusRunning
	job.StartedAt = s.clock()
	s.save(job)
	return s.finish(job, s.run(ctx, job, featureView))
}

func (s *Scheduler) run(ctx context.Context, job *Job, featureView *domain.FeatureView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !featureView.IsOnline() {
		job.Skipped = "feature view is not online"
		return nil
	}
	tr := s.policy.Range(job.Start, job.End)

	if _, isPush := featureView.PushSource(); !isPush && s.loader != nil && featureView.BatchSource() != nil {
		receipt, err := retry.Blocking(ctx, s.backoff(), s.attempts, api.IsRetryable, func() (*api.WriteReceipt, error) {
			return s.loader.LoadBatch(ctx, featureView, tr)
		})
		if err != nil {
			return fmt.Errorf("load %s: %w", featureView.Name, err)
		}
		job.RowsLoaded = receipt.OfflineAdded
	}

	latest, err := retry.Blocking(ctx, s.backoff(), s.attempts, api.IsRetryable, func() (map[string]*api.FeatureRow, error) {
		job.RowsScanned = 0
		latest := make(map[string]*api.FeatureRow)
		err := featureView.OfflineDao().ScanRange(ctx, tr, func(row *api.FeatureRow) error {
			job.RowsScanned++
			if cur, ok := latest[row.EntityKey]; !ok || row.Newer(cur) {
				latest[row.EntityKey] = row
			}
			return nil
		})
		return latest, err
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", featureView.Name, err)
	}

	keys := make([]string, 0, len(latest))
	for key := range latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		applied, err := retry.Blocking(ctx, s.backoff(), s.attempts, api.IsRetryable, func() (bool, error) {
			return featureView.OnlineDao().WriteIfNewer(ctx, latest[key])
		})
		if err != nil {
			return fmt.Errorf("write %s key %s: %w", featureView.Name, key, err)
		}
		if applied {
			job.RowsWritten++
		}
	}
	metrics.OnlineWrites(featureView.Name, true, job.RowsWritten)
	metrics.OnlineWrites(featureView.Name, false, len(keys)-job.RowsWritten)
	return nil
}

func (s *Scheduler) finish(job *Job, err error) (*Job, error) {
	switch {
	case err == nil:
		job.Status = StatusSucceeded
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		job.Status = StatusCancelled
		job.Error = err.Error()
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	job.FinishedAt = s.clock()
	s.save(job)
	metrics.MaterializationJob(job.View, string(job.Status))
	if !job.StartedAt.IsZero() {
		metrics.MaterializationDuration(job.View, job.StartedAt)
	}
	if err != nil {
		s.log.Errorf("materialize %s [%s, %s] %s: %v", job.View, job.Start.Format(time.RFC3339), job.End.Format(time.RFC3339), job.Status, err)
	} else {
		s.log.Infof("materialize %s [%s, %s] succeeded: scanned=%d written=%d", job.View,
			job.Start.Format(time.RFC3339), job.End.Format(time.RFC3339), job.RowsScanned, job.RowsWritten)
	}
	return job, err
}

func (s *Scheduler) save(job *Job) {
	if err := s.store.Save(job); err != nil {
		s.log.Warningf("save job %s error:%v", job.ID, err)
	}
}

// resolveViews returns views, or every view of the project when empty.
func (s *Scheduler) resolveViews(views []string) ([]*domain.FeatureView, error) {
	p, err := s.registry.Project()
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return p.FeatureViews(), nil
	}
	out := make([]*domain.FeatureView, 0, len(views))
	for _, name := range views {
		featureView, err := p.FindFeatureView(name)
		if err != nil {
			return nil, err
		}
		out = append(out, featureView)
	}
	return out, nil
}

// MaterializeAll materializes views (every view when empty) over the same
// range. A failing view does not stop the others; inspect each job's status.
func (s *Scheduler) MaterializeAll(ctx context.Context, views []string, start, end time.Time) ([]*Job, error) {
	featureViews, err := s.resolveViews(views)
	if err != nil {
		return nil, err
	}
	return s.each(ctx, featureViews, func(*domain.FeatureView) time.Time { return start }, end)
}

// IncrementalOptions selects the views and range of an incremental run.
type IncrementalOptions struct {
	Views []string
	End   time.Time
	// Start overrides the computed start of every view.
	Start optional.Time
}

// MaterializeIncremental materializes each view from where its last
// successful job ended. A view without one starts at End - ttl, or from the
// beginning of its log when the ttl is zero.
func (s *Scheduler) MaterializeIncremental(ctx context.Context, opts IncrementalOptions) ([]*Job, error) {
	end := opts.End
	if end.IsZero() {
		end = s.clock()
	}
	featureViews, err := s.resolveViews(opts.Views)
	if err != nil {
		return nil, err
	}
	return s.each(ctx, featureViews, func(featureView *domain.FeatureView) time.Time {
		if opts.Start.IsSet() {
			return opts.Start.Value()
		}
		if last, ok := s.store.LastSuccess(featureView.Name); ok {
			return last.End
		}
		if ttl := featureView.GetTTL(); ttl > 0 {
			return end.Add(-ttl)
		}
		return time.Time{}
	}, end)
}

func (s *Scheduler) each(ctx context.Context, featureViews []*domain.FeatureView, startOf func(*domain.FeatureView) time.Time, end time.Time) ([]*Job, error) {
	jobs := make([]*Job, len(featureViews))
	var g errgroup.Group
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}
	for i, featureView := range featureViews {
		g.Go(func() error {
			// job failures stay in the job
			jobs[i], _ = s.Materialize(ctx, featureView.Name, startOf(featureView), end)
			return nil
		})
	}
	g.Wait()
	return jobs, nil
}

// Run starts an incremental materialization of every view at each tick of
// the cron schedule until ctx is done.
func (s *Scheduler) Run(ctx context.Context, schedule string) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return api.WrapError(api.CodeInvalidArgument, err, "schedule %q", schedule)
	}
	for {
		now := s.clock()
		next := expr.Next(now)
		if next.IsZero() {
			return api.NewError(api.CodeInvalidArgument, "schedule %q never fires after %s", schedule, now)
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		jobs, err := s.MaterializeIncremental(ctx, IncrementalOptions{End: next})
		if err != nil {
			s.log.Errorf("scheduled materialization error:%v", err)
			continue
		}
		failed := 0
		for _, job := range jobs {
			if job == nil || job.Status != StatusSucceeded {
				failed++
			}
		}
		s.log.Infof("scheduled materialization at %s: %d views, %d not succeeded", next.Format(time.RFC3339), len(jobs), failed)
	}
}

package ingestion

import (
	"context"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/constants"
	"github.com/aliyun/aliyun-pai-featurestore-core/datasource"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
)

const DefaultMaxClockSkew = 5 * time.Minute

// Gateway writes pushed rows to the offline log and the online tier of every
// feature view fed by the push target.
type Gateway struct {
	registry     *domain.Registry
	maxClockSkew time.Duration
	clock        func() time.Time
	log          logger.LeveledLogger
}

type Option func(*Gateway)

// WithMaxClockSkew bounds how far in the future a pushed timestamp may be.
func WithMaxClockSkew(d time.Duration) Option {
	return func(g *Gateway) {
		g.maxClockSkew = d
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

func WithLogger(l logger.LeveledLogger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

// NewGateway binds every push source of each applied project to the gateway.
func NewGateway(registry *domain.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		registry:     registry,
		maxClockSkew: DefaultMaxClockSkew,
		clock:        time.Now,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	registry.OnApply(func(p *domain.Project) {
		for _, src := range p.PushSources() {
			src.Bind(g)
		}
	})
	return g
}

// Push ingests records into name, a push source or a feature view. Row level
// failures are reported in the receipt; the error is for the request.
func (g *Gateway) Push(ctx context.Context, name string, records []map[string]interface{}, mode constants.PushMode) (*api.WriteReceipt, error) {
	if !mode.WritesOnline() && !mode.WritesOffline() {
		return nil, api.NewError(api.CodeInvalidArgument, "unknown push mode:%s", mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := g.registry.Project()
	if err != nil {
		return nil, err
	}

	var receipt *api.WriteReceipt
	if src, ok := p.GetDatasource(name).(datasource.PushSource); ok {
		receipt, err = src.Accept(ctx, records, mode)
	} else if featureView := p.GetFeatureView(name); featureView != nil {
		receipt, err = g.pushView(ctx, featureView, records, mode)
	} else {
		return nil, api.NewError(api.CodeUnknownReference, "push target %s is neither a push source nor a feature view", name)
	}
	if receipt != nil {
		metrics.PushRows(name, "accepted", receipt.Accepted)
		metrics.PushRows(name, "rejected", receipt.Rejected)
		if receipt.Rejected > 0 {
			g.log.Warningf("push %s: %d of %d rows rejected, first: %s", name, receipt.Rejected, len(records), receipt.Errors[0].Error)
		}
	}
	return receipt, err
}

func (g *Gateway) pushView(ctx context.Context, featureView *domain.FeatureView, records []map[string]interface{}, mode constants.PushMode) (*api.WriteReceipt, error) {
	receipt := &api.WriteReceipt{}
	rows := make([]datasource.IndexedRecord, 0, len(records))
	for i, raw := range records {
		if raw == nil {
			receipt.Reject(i, api.NewError(api.CodeInvalidArgument, "record is null"))
			continue
		}
		rec, err := datasource.ParseRecord(featureView.Source, raw)
		if err != nil {
			receipt.Reject(i, err)
			continue
		}
		rows = append(rows, datasource.IndexedRecord{Index: i, Record: rec})
	}
	written, err := g.write(ctx, []*domain.FeatureView{featureView}, rows, mode)
	receipt.Merge(written)
	return receipt, err
}

// WriteRows is called back by push sources with their parsed records.
func (g *Gateway) WriteRows(ctx context.Context, source string, rows []datasource.IndexedRecord, mode constants.PushMode) (*api.WriteReceipt, error) {
	p, err := g.registry.Project()
	if err != nil {
		return nil, err
	}
	views := p.FeatureViewsOfSource(source)
	if len(views) == 0 {
		return nil, api.NewError(api.CodeInvalidArgument, "no feature view reads push source %s", source)
	}
	return g.write(ctx, views, rows, mode)
}

type pendingRow struct {
	index    int
	rows     []*api.FeatureRow // one per view
	rejected bool
}

// write appends the rows to the offline log of every view, then writes them
// to the online tables. A row is rejected once, with the first error. A row
// rejected by one view is not written to the views after it but stays in the
// logs and tables of the views before it, so a retried push completes it.
func (g *Gateway) write(ctx context.Context, views []*domain.FeatureView, records []datasource.IndexedRecord, mode constants.PushMode) (*api.WriteReceipt, error) {
	receipt := &api.WriteReceipt{}
	limit := g.clock().Add(g.maxClockSkew)

	pending := make([]*pendingRow, 0, len(records))
	for _, rec := range records {
		if rec.Record.Timestamp.After(limit) {
			receipt.Reject(rec.Index, api.NewError(api.CodeInvalidTimestamp,
				"timestamp %s is more than %s ahead of now", rec.Record.Timestamp.Format(time.RFC3339Nano), g.maxClockSkew))
			continue
		}
		row := &pendingRow{index: rec.Index, rows: make([]*api.FeatureRow, len(views))}
		for i, featureView := range views {
			featureRow, err := featureView.ToFeatureRow(rec.Record)
			if err != nil {
				receipt.Reject(rec.Index, err)
				row.rejected = true
				break
			}
			row.rows[i] = featureRow
		}
		if !row.rejected {
			pending = append(pending, row)
		}
	}

	if mode.WritesOffline() {
		for i, featureView := range views {
			if err := ctx.Err(); err != nil {
				return receipt, err
			}
			batch := make([]*api.FeatureRow, 0, len(pending))
			owners := make([]*pendingRow, 0, len(pending))
			for _, row := range pending {
				if !row.rejected {
					batch = append(batch, row.rows[i])
					owners = append(owners, row)
				}
			}
			added, errs := featureView.OfflineDao().Append(ctx, batch)
			receipt.OfflineAdded += added
			metrics.OfflineRows(featureView.Name, added)
			for j, err := range errs {
				if err != nil {
					receipt.Reject(owners[j].index, err)
					owners[j].rejected = true
				}
			}
		}
	}

	if mode.WritesOnline() {
		for i, featureView := range views {
			if !featureView.IsOnline() {
				continue
			}
			applied, skipped := 0, 0
			for _, row := range pending {
				if row.rejected {
					continue
				}
				if err := ctx.Err(); err != nil {
					metrics.OnlineWrites(featureView.Name, true, applied)
					return receipt, err
				}
				ok, err := featureView.OnlineDao().WriteIfNewer(ctx, row.rows[i])
				if err != nil {
					receipt.Reject(row.index, err)
					row.rejected = true
					continue
				}
				if ok {
					applied++
				} else {
					skipped++
				}
			}
			receipt.OnlineApplied += applied
			metrics.OnlineWrites(featureView.Name, true, applied)
			metrics.OnlineWrites(featureView.Name, false, skipped)
		}
	}

	for _, row := range pending {
		if !row.rejected {
			receipt.Accepted++
		}
	}
	return receipt, nil
}

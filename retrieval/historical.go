package retrieval

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
)

// Status tells why a historical value is what it is.
type Status int

const (
	// StatusPresent: a row within the TTL was found.
	StatusPresent Status = iota
	// StatusStaleMiss: rows at or before the spine timestamp exist, but all
	// are older than the TTL allows. The value is null.
	StatusStaleMiss
	// StatusNotFound: no row at or before the spine timestamp. The value is null.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "PRESENT"
	case StatusStaleMiss:
		return "STALE_MISS"
	default:
		return "NOT_FOUND"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "PRESENT":
		*s = StatusPresent
	case "STALE_MISS":
		*s = StatusStaleMiss
	case "NOT_FOUND":
		*s = StatusNotFound
	default:
		return api.NewError(api.CodeInvalidArgument, "unknown status:%s", text)
	}
	return nil
}

type SpineRow struct {
	EntityKey      string    `json:"entity_key"`
	EventTimestamp time.Time `json:"event_timestamp"`
}

type HistoricalRow struct {
	EntityKey      string
	EventTimestamp time.Time
	Values         map[string]interface{} // output name : value
	Status         map[string]Status      // output name : status
}

type HistoricalResult struct {
	JoinKey string
	Columns []string
	Rows    []HistoricalRow
}

// ToMaps renders the result as one map per spine row, holding the join key,
// event_timestamp and every output column.
func (r *HistoricalResult) ToMaps() []map[string]interface{} {
	out := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]interface{}, len(r.Columns)+2)
		m[r.JoinKey] = row.EntityKey
		m["event_timestamp"] = row.EventTimestamp
		for _, c := range r.Columns {
			m[c] = row.Values[c]
		}
		out[i] = m
	}
	return out
}

// HistoricalEngine builds point-in-time correct training tables from the
// offline log.
type HistoricalEngine struct {
	parallelism int
	log         logger.LeveledLogger
}

type Option func(*HistoricalEngine)

// WithParallelism bounds the number of feature views joined at once.
func WithParallelism(n int) Option {
	return func(e *HistoricalEngine) {
		e.parallelism = n
	}
}

func WithLogger(l logger.LeveledLogger) Option {
	return func(e *HistoricalEngine) {
		e.log = l
	}
}

func NewHistoricalEngine(opts ...Option) *HistoricalEngine {
	e := &HistoricalEngine{parallelism: 8, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type match struct {
	row    *api.FeatureRow
	status Status
}

// GetHistoricalFeatures returns one row per spine entry, in spine order. For
// every view of service the value at spine time t is the row with the
// greatest (timestamp, created) such that timestamp <= t and
// t - timestamp <= ttl. Rows after t are never used.
func (e *HistoricalEngine) GetHistoricalFeatures(ctx context.Context, spine []SpineRow, service *domain.FeatureService) (*HistoricalResult, error) {
	start := time.Now()
	for i, s := range spine {
		if s.EntityKey == "" {
			return nil, api.NewError(api.CodeInvalidArgument, "spine row %d has no entity key", i)
		}
		if s.EventTimestamp.IsZero() {
			return nil, api.NewError(api.CodeInvalidArgument, "spine row %d has no event timestamp", i)
		}
	}

	views := service.FeatureViews()
	matches := make([][]match, len(views))
	if len(spine) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		if e.parallelism > 0 {
			g.SetLimit(e.parallelism)
		}
		for i, featureView := range views {
			g.Go(func() error {
				m, err := e.joinView(gctx, spine, featureView)
				if err != nil {
					return err
				}
				matches[i] = m
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	result := &HistoricalResult{
		JoinKey: service.GetJoinKey(),
		Columns: service.OutputNames(),
		Rows:    make([]HistoricalRow, len(spine)),
	}
	for idx, s := range spine {
		row := HistoricalRow{
			EntityKey:      s.EntityKey,
			EventTimestamp: s.EventTimestamp,
			Values:         make(map[string]interface{}, len(result.Columns)),
			Status:         make(map[string]Status, len(result.Columns)),
		}
		for i, featureView := range views {
			m := matches[i][idx]
			for _, ref := range service.RefsOf(featureView) {
				if m.row != nil {
					row.Values[ref.OutputName] = m.row.Values[ref.Feature]
				} else {
					row.Values[ref.OutputName] = nil
				}
				row.Status[ref.OutputName] = m.status
			}
		}
		result.Rows[idx] = row
	}
	metrics.HistoricalJoin(service.GetName(), len(spine), start)
	e.log.Debugf("historical join %s: %d spine rows, %d views in %s", service.GetName(), len(spine), len(views), time.Since(start))
	return result, nil
}

// joinView is a backward as-of merge join of spine against the history of
// one view. Spine entries of a key are visited in time order while the
// sorted history of the key is walked once.
func (e *HistoricalEngine) joinView(ctx context.Context, spine []SpineRow, featureView *domain.FeatureView) ([]match, error) {
	ttl := featureView.GetTTL()
	byKey := make(map[string][]int)
	var keys []string
	minT, maxT := spine[0].EventTimestamp, spine[0].EventTimestamp
	for idx, s := range spine {
		if _, ok := byKey[s.EntityKey]; !ok {
			keys = append(keys, s.EntityKey)
		}
		byKey[s.EntityKey] = append(byKey[s.EntityKey], idx)
		if s.EventTimestamp.Before(minT) {
			minT = s.EventTimestamp
		}
		if s.EventTimestamp.After(maxT) {
			maxT = s.EventTimestamp
		}
	}

	window := api.TimeRange{Start: minT.Add(-ttl), End: maxT}
	history, err := featureView.OfflineDao().ScanKeys(ctx, keys, window)
	if err != nil {
		return nil, err
	}

	matches := make([]match, len(spine))
	var unseen []string
	for _, key := range keys {
		indexes := byKey[key]
		sort.SliceStable(indexes, func(a, b int) bool {
			return spine[indexes[a]].EventTimestamp.Before(spine[indexes[b]].EventTimestamp)
		})
		rows := history[key]
		p := 0
		missed := false
		for _, idx := range indexes {
			t := spine[idx].EventTimestamp
			for p < len(rows) && !rows[p].Timestamp.After(t) {
				p++
			}
			switch {
			case p == 0:
				matches[idx] = match{status: StatusNotFound}
				missed = true
			case t.Sub(rows[p-1].Timestamp) <= ttl:
				matches[idx] = match{row: rows[p-1], status: StatusPresent}
			default:
				matches[idx] = match{status: StatusStaleMiss}
			}
		}
		if missed {
			unseen = append(unseen, key)
		}
	}

	// a NotFound inside the window may still have older rows before it
	if len(unseen) > 0 {
		older, err := featureView.OfflineDao().LatestAt(ctx, unseen, window.Start)
		if err != nil {
			return nil, err
		}
		for _, key := range unseen {
			row, ok := older[key]
			if !ok {
				continue
			}
			for _, idx := range byKey[key] {
				if matches[idx].status == StatusNotFound && !row.Timestamp.After(spine[idx].EventTimestamp) {
					matches[idx].status = StatusStaleMiss
				}
			}
		}
	}
	return matches, nil
}

package api

import "time"

// FeatureRow is one timestamped set of feature values of one entity.
// Rows are immutable once appended to the offline log.
type FeatureRow struct {
	EntityKey string                 `json:"entity_key"`
	Timestamp time.Time              `json:"event_timestamp"`
	Created   time.Time              `json:"created_timestamp,omitempty"`
	Values    map[string]interface{} `json:"values"`
}

// Newer reports whether r orders after o by (timestamp, created).
func (r *FeatureRow) Newer(o *FeatureRow) bool {
	if o == nil {
		return true
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.After(o.Timestamp)
	}
	return r.Created.After(o.Created)
}

// SameIdentity reports whether both rows share (entity key, timestamp, created).
func (r *FeatureRow) SameIdentity(o *FeatureRow) bool {
	return r.EntityKey == o.EntityKey && r.Timestamp.Equal(o.Timestamp) && r.Created.Equal(o.Created)
}

// Record is a raw row read from or pushed into a data source, before it is
// bound to a feature view's entity.
type Record struct {
	Timestamp time.Time
	Created   time.Time
	Fields    map[string]interface{}
}

// TimeRange is [Start, End], or (Start, End] when StartExclusive is set.
// A zero Start or End leaves that side unbounded.
type TimeRange struct {
	Start          time.Time
	End            time.Time
	StartExclusive bool
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() {
		if r.StartExclusive && !t.After(r.Start) {
			return false
		}
		if t.Before(r.Start) {
			return false
		}
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// RowError reports why the row at Index of a push request was rejected.
type RowError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteReceipt summarizes a push request. Failures are per row and a row
// is rejected at most once: a row failing in several feature views keeps the
// first error.
type WriteReceipt struct {
	Accepted      int        `json:"accepted"`
	Rejected      int        `json:"rejected"`
	OnlineApplied int        `json:"online_applied"`
	OfflineAdded  int        `json:"offline_appended"`
	Errors        []RowError `json:"errors,omitempty"`

	rejected map[int]struct{}
}

func (r *WriteReceipt) Reject(index int, err error) {
	r.reject(RowError{Index: index, Error: err.Error(), Code: CodeOf(err).String()})
}

func (r *WriteReceipt) reject(e RowError) {
	if r.rejected == nil {
		r.rejected = make(map[int]struct{}, len(r.Errors)+1)
		for _, prev := range r.Errors {
			r.rejected[prev.Index] = struct{}{}
		}
	}
	if _, ok := r.rejected[e.Index]; ok {
		return
	}
	r.rejected[e.Index] = struct{}{}
	r.Rejected++
	r.Errors = append(r.Errors, e)
}

// Merge folds o into r. Row indexes of o are kept as is.
func (r *WriteReceipt) Merge(o *WriteReceipt) {
	if o == nil {
		return
	}
	r.Accepted += o.Accepted
	r.OnlineApplied += o.OnlineApplied
	r.OfflineAdded += o.OfflineAdded
	for _, e := range o.Errors {
		r.reject(e)
	}
}

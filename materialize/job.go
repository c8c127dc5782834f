package materialize

import (
	"sort"
	"sync"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is one materialization run of one feature view over [Start, End].
type Job struct {
	ID          string    `json:"id"`
	View        string    `json:"feature_view"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Skipped     string    `json:"skipped,omitempty"`
	RowsLoaded  int       `json:"rows_loaded"`
	RowsScanned int       `json:"rows_scanned"`
	RowsWritten int       `json:"rows_written"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// BoundaryPolicy selects whether the start of a materialization range is part
// of the range.
type BoundaryPolicy int

const (
	// Inclusive materializes [start, end].
	Inclusive BoundaryPolicy = iota
	// LeftExclusive materializes (start, end].
	LeftExclusive
)

func (b BoundaryPolicy) String() string {
	if b == LeftExclusive {
		return "left_exclusive"
	}
	return "inclusive"
}

func ParseBoundaryPolicy(s string) (BoundaryPolicy, error) {
	switch s {
	case "inclusive", "":
		return Inclusive, nil
	case "left_exclusive":
		return LeftExclusive, nil
	}
	return Inclusive, api.NewError(api.CodeInvalidArgument, "unknown boundary policy:%s (should be inclusive|left_exclusive)", s)
}

func (b BoundaryPolicy) Range(start, end time.Time) api.TimeRange {
	return api.TimeRange{Start: start, End: end, StartExclusive: b == LeftExclusive && !start.IsZero()}
}

// --------------------------------------------------------------------------
// Job store
// --------------------------------------------------------------------------

// JobStore keeps the history of jobs. Saved jobs are copied, so callers may
// keep mutating their own value.
type JobStore interface {
	Save(job *Job) error
	Get(id string) (*Job, bool)
	// Jobs returns the jobs of view, oldest first. An empty view lists every job.
	Jobs(view string) []*Job
	// LastSuccess returns the succeeded job of view with the latest End.
	LastSuccess(view string) (*Job, bool)
}

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (s *MemoryJobStore) Save(job *Job) error {
	c := *job
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = &c
	return nil
}

func (s *MemoryJobStore) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	c := *job
	return &c, true
}

func (s *MemoryJobStore) Jobs(view string) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if view == "" || job.View == view {
			c := *job
			out = append(out, &c)
		}
	}
	return out
}

func (s *MemoryJobStore) LastSuccess(view string) (*Job, bool) {
	var succeeded []*Job
	for _, job := range s.Jobs(view) {
		if job.Status == StatusSucceeded {
			succeeded = append(succeeded, job)
		}
	}
	if len(succeeded) == 0 {
		return nil, false
	}
	sort.SliceStable(succeeded, func(i, j int) bool { return succeeded[i].End.Before(succeeded[j].End) })
	return succeeded[len(succeeded)-1], true
}

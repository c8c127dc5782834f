package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
)

// RetireDelay is how long a replaced project keeps its connections open for
// requests that loaded it before the swap.
var RetireDelay = time.Minute

// Registry holds the current project. Apply swaps in a new snapshot only
// after the whole repo validated, so readers never see a half applied repo.
// Every snapshot owns its connections: a rejected or validated-only repo
// closes its own pools and never those of the current project.
type Registry struct {
	mu          sync.Mutex
	current     atomic.Pointer[Project]
	version     atomic.Int64
	onApply     []func(*Project)
	retireDelay time.Duration
}

func NewRegistry() *Registry {
	return &Registry{retireDelay: RetireDelay}
}

// OnApply registers fn to run with every newly applied project, before it
// becomes visible to readers.
func (r *Registry) OnApply(fn func(*Project)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onApply = append(r.onApply, fn)
	if p := r.current.Load(); p != nil {
		fn(p)
	}
}

// Validate checks repo without applying it.
func (r *Registry) Validate(repo *api.Repo) error {
	p, err := NewProject(repo)
	if err != nil {
		return err
	}
	p.Close()
	return nil
}

func (r *Registry) Apply(repo *api.Repo) (*Project, error) {
	p, err := NewProject(repo)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p.Version = r.version.Add(1)
	for _, fn := range r.onApply {
		fn(p)
	}
	if old := r.current.Swap(p); old != nil {
		r.retire(old)
	}
	return p, nil
}

// Project returns the current snapshot.
func (r *Registry) Project() (*Project, error) {
	p := r.current.Load()
	if p == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "no repo applied")
	}
	return p, nil
}

func (r *Registry) Version() int64 {
	return r.version.Load()
}

func (r *Registry) retire(p *Project) {
	if r.retireDelay <= 0 {
		p.Close()
		return
	}
	time.AfterFunc(r.retireDelay, p.Close)
}

// Close releases the connections of the current project.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.current.Swap(nil); p != nil {
		p.Close()
	}
}

package persist

import (
	"cmp"
	"slices"
	"sync"

	"github.com/coffersTech/hilogd/internal/protocol"
)

// Registry tracks the jobs currently alive in the daemon.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[uint32]*Job
	maxJobs int
}

// NewRegistry creates a registry admitting at most maxJobs jobs.
func NewRegistry(maxJobs int) *Registry {
	if maxJobs <= 0 {
		maxJobs = protocol.MaxJobs
	}
	return &Registry{
		jobs:    make(map[uint32]*Job),
		maxJobs: maxJobs,
	}
}

// Add registers j. A job already using the same id or output path is
// rejected.
func (r *Registry) Add(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, other := range r.jobs {
		if id == j.ID() || other.start.FilePath == j.start.FilePath {
			return protocol.ErrLogPersistTaskExisted
		}
	}
	if len(r.jobs) >= r.maxJobs {
		return protocol.ErrTooManyJobs
	}
	r.jobs[j.ID()] = j
	return nil
}

// Remove deregisters j if it is the job registered under its id.
func (r *Registry) Remove(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[j.ID()] == j {
		delete(r.jobs, j.ID())
	}
}

// Get returns the job with id.
func (r *Registry) Get(id uint32) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// List returns the registered jobs ordered by id.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	list := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		list = append(list, j)
	}
	r.mu.RUnlock()
	slices.SortFunc(list, func(a, b *Job) int { return cmp.Compare(a.ID(), b.ID()) })
	return list
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Owns reports whether path belongs to the file set of a registered job.
func (r *Registry) Owns(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.jobs {
		if len(path) > len(j.start.FilePath) && path[:len(j.start.FilePath)+1] == j.start.FilePath+"." {
			return true
		}
	}
	return false
}

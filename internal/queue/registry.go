package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openaimyfriend/app-legendas/internal/types"
)

// Registry is the single owner of job state. The map lock only guards
// membership; each job has its own lock so updates to different jobs never
// wait on each other.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	newID func() string
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		jobs:  make(map[string]*entry),
		newID: func() string { return uuid.New().String() },
	}
}

// Create registers a queued job built from init and returns its new id.
// Status, progress, result and timestamps in init are ignored.
func (r *Registry) Create(init Job) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, exists := r.jobs[id]; exists; _, exists = r.jobs[id] {
		id = r.newID()
	}

	init.ID = id
	init.Status = types.StatusQueued
	init.StatusText = "Queued"
	init.Progress = 0
	init.ResultRef = ""
	init.CreatedAt = time.Now().UTC()
	init.StartedAt = nil
	init.CompletedAt = nil

	r.jobs[id] = &entry{job: init}
	return id
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Update applies mutate to a copy of the job and commits it only if the
// result respects the job state machine. It returns the committed snapshot.
func (r *Registry) Update(id string, mutate func(j *Job)) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job
	mutate(&next)
	if err := checkUpdate(e.job, next); err != nil {
		return e.job.clone(), err
	}
	e.job = next.clone()
	return next, nil
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.clone())
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// discard forgets a job that never left the queued state. Used when a
// submission fails after its entry was created.
func (r *Registry) discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return
	}
	e.mu.Lock()
	queued := e.job.Status == types.StatusQueued
	e.mu.Unlock()
	if queued {
		delete(r.jobs, id)
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// checkUpdate enforces the job invariants between two consecutive states.
func checkUpdate(prev, next Job) error {
	if next.ID != prev.ID {
		return fmt.Errorf("%w: job id is immutable", ErrInvalidTransition)
	}
	if next.Status != prev.Status && !isValidTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < 0 || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, next.Progress)
	}
	if next.Progress < prev.Progress {
		return fmt.Errorf("%w: progress decreased %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}

	if prev.Status.Terminal() {
		if next.Progress != prev.Progress || next.ResultRef != prev.ResultRef || next.StatusText != prev.StatusText {
			return fmt.Errorf("%w: job %s is final", ErrInvalidTransition, prev.Status)
		}
		return nil
	}

	switch next.Status {
	case types.StatusSucceeded:
		if next.Progress != 100 || next.ResultRef == "" {
			return fmt.Errorf("%w: success requires progress 100 and a result", ErrInvalidTransition)
		}
	case types.StatusFailed:
		if next.Progress != prev.Progress {
			return fmt.Errorf("%w: progress must freeze on failure", ErrInvalidTransition)
		}
		fallthrough
	default:
		if next.ResultRef != "" {
			return fmt.Errorf("%w: result set on %s job", ErrInvalidTransition, next.Status)
		}
	}
	return nil
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to types.JobStatus) bool {
	switch from {
	case types.StatusQueued:
		return to == types.StatusRunning || to == types.StatusFailed
	case types.StatusRunning:
		return to == types.StatusSucceeded || to == types.StatusFailed
	default:
		return false
	}
}

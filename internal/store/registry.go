package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"videogen-queue/internal/models"
)

var (
	// ErrNotFound is returned for job ids the registry does not know.
	ErrNotFound = errors.New("job not found")
	// ErrIDExhausted is returned when no unused id could be generated.
	ErrIDExhausted = errors.New("could not allocate a unique job id")
)

const maxIDAttempts = 8

type entry struct {
	job *models.Job
	seq uint64
}

// Registry is the in-memory, concurrency-safe home of every job record.
// Callers only ever see copies; mutation goes through the Mark* methods.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	seq  uint64

	now   func() time.Time
	newID func() string
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used to stamp transitions.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDSource overrides job id generation.
func WithIDSource(newID func() string) RegistryOption {
	return func(r *Registry) { r.newID = newID }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs:  make(map[string]*entry),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a queued job and returns its snapshot.
func (r *Registry) Create(prompt string, params models.Params) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ""
	for i := 0; i < maxIDAttempts; i++ {
		candidate := r.newID()
		if _, taken := r.jobs[candidate]; candidate != "" && !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return models.Job{}, ErrIDExhausted
	}

	r.seq++
	job := models.NewJob(id, prompt, params, r.now())
	r.jobs[id] = &entry{job: job, seq: r.seq}
	r.recomputePositions()
	return job.Clone(), nil
}

// Get returns a snapshot of a single job.
func (r *Registry) Get(id string) (models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job.Clone(), nil
}

// List returns snapshots of all jobs in submission order.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.sorted(func(*entry) bool { return true })
	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.job.Clone())
	}
	return out
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[models.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[models.Status]int{
		models.StatusQueued:     0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusFailed:     0,
	}
	for _, e := range r.jobs {
		out[e.job.Status]++
	}
	return out
}

// MarkProcessing moves a queued job to processing and returns the updated snapshot.
func (r *Registry) MarkProcessing(id string) (models.Job, error) {
	var snap models.Job
	err := r.update(id, func(j *models.Job, now time.Time) error {
		if err := j.Start(now); err != nil {
			return err
		}
		snap = j.Clone()
		return nil
	})
	return snap, err
}

// MarkCompleted records the produced artifact for a processing job.
func (r *Registry) MarkCompleted(id, outputPath string) error {
	return r.update(id, func(j *models.Job, now time.Time) error {
		return j.Complete(now, outputPath)
	})
}

// MarkFailed records the failure cause for a processing job.
func (r *Registry) MarkFailed(id, message string) error {
	return r.update(id, func(j *models.Job, now time.Time) error {
		return j.Fail(now, message)
	})
}

// SetArtifactURL attaches a mirrored artifact location to a completed job.
func (r *Registry) SetArtifactURL(id, url string) error {
	return r.update(id, func(j *models.Job, _ time.Time) error {
		if j.Status != models.StatusCompleted {
			return fmt.Errorf("%w: artifact url on %s job", models.ErrInvalidTransition, j.Status)
		}
		j.ArtifactURL = url
		return nil
	})
}

// Discard removes a job that never left the queued state.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.job.Status != models.StatusQueued {
		return fmt.Errorf("%w: discard %s job", models.ErrInvalidTransition, e.job.Status)
	}
	delete(r.jobs, id)
	r.recomputePositions()
	return nil
}

func (r *Registry) update(id string, fn func(*models.Job, time.Time) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// Mutate a copy so a rejected transition leaves the record untouched.
	next := e.job.Clone()
	if err := fn(&next, r.now()); err != nil {
		return err
	}
	e.job = &next
	r.recomputePositions()
	return nil
}

// recomputePositions must be called with mu held for writing.
func (r *Registry) recomputePositions() {
	queued := r.sorted(func(e *entry) bool { return e.job.Status == models.StatusQueued })
	for i, e := range queued {
		pos := i
		e.job.QueuePosition = &pos
	}
}

func (r *Registry) sorted(keep func(*entry) bool) []*entry {
	out := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.Before(b.job.CreatedAt)
		}
		return a.seq < b.seq
	})
	return out
}

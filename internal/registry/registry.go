package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tunefetch/internal/domain"
	"tunefetch/internal/repository"
)

// ErrJobNotFound is returned for unknown job ids or transfer handles.
var ErrJobNotFound = errors.New("job not found")

// Outcome describes how a request was absorbed by the registry.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeMerged    Outcome = "merged"
	OutcomeSatisfied Outcome = "satisfied"
)

// Registry is the single source of truth for job state. Jobs live in memory and
// every accepted mutation is written through to the repository before it becomes
// visible. Mutations of one job are serialised by a per-job mutex; reads return
// copies and never take that mutex.
type Registry struct {
	repo repository.JobRepository
	now  func() time.Time

	locks    *keyedMutex
	submitMu sync.Mutex

	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	latest   map[string]string
	byHandle map[domain.TransferHandle]string
}

func New(repo repository.JobRepository, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		repo:     repo,
		now:      now,
		locks:    newKeyedMutex(),
		jobs:     make(map[string]*domain.Job),
		latest:   make(map[string]string),
		byHandle: make(map[domain.TransferHandle]string),
	}
}

// Load reads every persisted job into memory. It is called once on startup.
func (r *Registry) Load(ctx context.Context) error {
	jobs, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range jobs {
		job := jobs[i]
		r.index(&job)
	}
	return nil
}

// Submit creates a job for req, or returns the job that already covers it.
// A live job with the same dedup key is merged, an archived one satisfies the
// request, and a failed or cancelled one is superseded by a fresh job.
func (r *Registry) Submit(ctx context.Context, req domain.Request) (domain.Job, Outcome, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, "", err
	}
	if req.Source == "" {
		req.Source = domain.DefaultSource
	}
	key := req.DedupKey()

	r.submitMu.Lock()
	defer r.submitMu.Unlock()

	r.mu.RLock()
	var existing *domain.Job
	if id, ok := r.latest[key]; ok {
		existing = r.jobs[id]
	}
	r.mu.RUnlock()

	if existing != nil {
		switch {
		case !existing.State.IsTerminal():
			return existing.Clone(), OutcomeMerged, nil
		case existing.State == domain.StateArchived:
			return existing.Clone(), OutcomeSatisfied, nil
		}
	}

	// a live row written behind the registry's back still owns the key
	if existing == nil || existing.State.IsTerminal() {
		persisted, err := r.repo.FindActiveByDedupKey(ctx, key)
		switch {
		case err == nil:
			r.mu.Lock()
			r.index(persisted)
			r.mu.Unlock()
			return persisted.Clone(), OutcomeMerged, nil
		case !errors.Is(err, repository.ErrNotFound):
			return domain.Job{}, "", fmt.Errorf("find active job: %w", err)
		}
	}

	now := r.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		DedupKey:  key,
		Request:   req,
		State:     domain.StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Create(ctx, job); err != nil {
		return domain.Job{}, "", err
	}

	r.mu.Lock()
	r.index(job)
	r.mu.Unlock()

	return job.Clone(), OutcomeCreated, nil
}

// Get returns a copy of the job with the given id.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Lookup resolves a job id or a transfer handle.
func (r *Registry) Lookup(ref string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if job, ok := r.jobs[ref]; ok {
		return job.Clone(), nil
	}
	if id, ok := r.byHandle[domain.TransferHandle(ref)]; ok {
		return r.jobs[id].Clone(), nil
	}
	return domain.Job{}, ErrJobNotFound
}

// List returns a snapshot of every job, oldest first.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Clone())
	}
	r.mu.RUnlock()
	sortByCreated(out)
	return out
}

// ListByState returns a snapshot of the jobs currently in one of states, oldest first.
func (r *Registry) ListByState(states ...domain.JobState) []domain.Job {
	wanted := make(map[domain.JobState]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	r.mu.RLock()
	var out []domain.Job
	for _, job := range r.jobs {
		if _, ok := wanted[job.State]; ok {
			out = append(out, job.Clone())
		}
	}
	r.mu.RUnlock()
	sortByCreated(out)
	return out
}

// Mutate applies fn to a copy of the job under the job's mutex, persists the
// result and publishes it. If fn returns an error nothing is written and the
// unchanged job is returned alongside the error.
func (r *Registry) Mutate(ctx context.Context, id string, fn func(job *domain.Job) error) (domain.Job, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.RLock()
	current, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return current.Clone(), err
	}
	if err := checkInvariants(current, &next); err != nil {
		return current.Clone(), err
	}
	next.UpdatedAt = r.now().UTC()

	if err := r.repo.Update(ctx, &next); err != nil {
		return current.Clone(), err
	}

	r.mu.Lock()
	if current.Refs.TransferHandle != "" && current.Refs.TransferHandle != next.Refs.TransferHandle {
		delete(r.byHandle, current.Refs.TransferHandle)
	}
	r.index(&next)
	r.mu.Unlock()

	return next.Clone(), nil
}

// index must be called with r.mu held for writing.
func (r *Registry) index(job *domain.Job) {
	r.jobs[job.ID] = job
	if prevID, ok := r.latest[job.DedupKey]; !ok || prevID == job.ID || !r.jobs[prevID].CreatedAt.After(job.CreatedAt) {
		r.latest[job.DedupKey] = job.ID
	}
	if job.Refs.TransferHandle != "" {
		r.byHandle[job.Refs.TransferHandle] = job.ID
	}
}

func checkInvariants(prev, next *domain.Job) error {
	if next.ID != prev.ID || next.DedupKey != prev.DedupKey {
		return fmt.Errorf("job %s: identity is immutable", prev.ID)
	}
	if next.State != prev.State && !prev.State.CanTransitionTo(next.State) {
		return fmt.Errorf("job %s: invalid transition %s -> %s", prev.ID, prev.State, next.State)
	}
	if next.State.HoldsTransfer() != (next.Refs.TransferHandle != "") {
		return fmt.Errorf("job %s: transfer handle inconsistent with state %s", prev.ID, next.State)
	}
	if prev.Storage != nil && next.Storage == nil {
		return fmt.Errorf("job %s: storage location cannot be cleared", prev.ID)
	}
	return nil
}

func sortByCreated(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
	"tunefetch/internal/repository"
	"tunefetch/internal/repository/sqlite"
)

func newTestRegistry(t *testing.T) (*Registry, repository.JobRepository) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := sqlite.NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return New(repo, nil), repo
}

func TestConcurrentSubmitsCollapseOntoOneJob(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry(t)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	outcomes := make([]Outcome, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, outcome, err := reg.Submit(ctx, domain.Request{Artist: "Björk", Album: "Homogenic"})
			assert.NoError(t, err)
			ids[i] = job.ID
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	created := 0
	for i, id := range ids {
		assert.Equal(t, ids[0], id)
		if outcomes[i] == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSubmitMergesOntoPersistedLiveJob(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry(t)
	req := domain.Request{Artist: "Slowdive", Album: "Souvlaki", Source: domain.DefaultSource}

	now := time.Now().UTC()
	row := &domain.Job{ID: "written-elsewhere", DedupKey: req.DedupKey(), Request: req, State: domain.StateSearching, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Create(ctx, row))

	job, outcome, err := reg.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, outcome)
	assert.Equal(t, "written-elsewhere", job.ID)

	got, err := reg.Get("written-elsewhere")
	require.NoError(t, err, "the merged job is now tracked in memory")
	assert.Equal(t, domain.StateSearching, got.State)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSubmitAfterTerminalStates(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry(t)
	req := domain.Request{Artist: "Portishead", Album: "Dummy"}

	first, outcome, err := reg.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	_, err = reg.Mutate(ctx, first.ID, func(job *domain.Job) error {
		job.State = domain.StateFailed
		job.RecordError(time.Now(), domain.KindNotFound, "no such album")
		return nil
	})
	require.NoError(t, err)

	second, outcome, err := reg.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome, "a failed job is superseded")
	assert.NotEqual(t, first.ID, second.ID)

	old, err := reg.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, old.State, "history is kept")

	// walk the new job to Archived
	path := []domain.JobState{
		domain.StateSearching,
		domain.StateCandidateSelected,
		domain.StateDownloading,
		domain.StateCompleted,
		domain.StateImporting,
		domain.StateVerified,
		domain.StateArchived,
	}
	for _, state := range path {
		_, err = reg.Mutate(ctx, second.ID, func(job *domain.Job) error {
			job.State = state
			if state == domain.StateDownloading {
				job.Refs.TransferHandle = "cafebabe"
			}
			return nil
		})
		require.NoError(t, err, "to %s", state)
	}

	third, outcome, err := reg.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSatisfied, outcome)
	assert.Equal(t, second.ID, third.ID)

	rows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMutateRejectsIllegalChanges(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	job, _, err := reg.Submit(ctx, domain.Request{Artist: "Low", Title: "Words"})
	require.NoError(t, err)

	_, err = reg.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.StateCompleted
		return nil
	})
	assert.Error(t, err, "requested cannot jump to completed")

	_, err = reg.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.StateSearching
		j.Refs.TransferHandle = "stray"
		return nil
	})
	assert.Error(t, err, "handle without a transfer state")

	sentinel := errors.New("nope")
	got, err := reg.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.StateSearching
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, domain.StateRequested, got.State)

	current, err := reg.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequested, current.State)

	_, err = reg.Mutate(ctx, "missing", func(*domain.Job) error { return nil })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLookupByHandleAndReload(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry(t)

	job, _, err := reg.Submit(ctx, domain.Request{Artist: "Slowdive", Album: "Souvlaki"})
	require.NoError(t, err)
	for _, state := range []domain.JobState{domain.StateSearching, domain.StateCandidateSelected} {
		_, err = reg.Mutate(ctx, job.ID, func(j *domain.Job) error { j.State = state; return nil })
		require.NoError(t, err)
	}
	_, err = reg.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.StateDownloading
		j.Refs.TransferHandle = "feedface"
		return nil
	})
	require.NoError(t, err)

	byHandle, err := reg.Lookup("feedface")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byHandle.ID)

	reloaded := New(repo, nil)
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.Lookup("feedface")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDownloading, got.State)
	assert.Len(t, reloaded.ListByState(domain.StateDownloading), 1)
	assert.Empty(t, reloaded.ListByState(domain.StateRequested))

	// a stall returns the job to candidate selection and forgets the handle
	_, err = reloaded.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.StateCandidateSelected
		j.Refs.TransferHandle = ""
		return nil
	})
	require.NoError(t, err)
	_, err = reloaded.Lookup("feedface")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

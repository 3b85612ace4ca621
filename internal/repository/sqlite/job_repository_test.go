package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
	"tunefetch/internal/repository"
)

func loadJob(t *testing.T, repo repository.JobRepository, id string) *domain.Job {
	t.Helper()
	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	for i := range jobs {
		if jobs[i].ID == id {
			return &jobs[i]
		}
	}
	require.Failf(t, "job not persisted", "id %s", id)
	return nil
}

func newTestRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestJobRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := domain.Request{Artist: "Boards of Canada", Album: "Geogaddi", Source: "recommender"}
	job := &domain.Job{
		ID:        "job-1",
		DedupKey:  req.DedupKey(),
		Request:   req,
		State:     domain.StateDownloading,
		CreatedAt: now,
		UpdatedAt: now,
		Refs: domain.ExternalRefs{
			ReleaseID:      "42",
			CandidateID:    "c-2",
			TransferHandle: "abcdef",
		},
		Candidates:         []domain.Candidate{{ID: "c-1", URI: "magnet:?xt=1"}, {ID: "c-2", URI: "magnet:?xt=2", Size: 1024}},
		CandidateIndex:     1,
		AttemptCount:       2,
		NextAttemptAt:      &now,
		Progress:           domain.Progress{DownloadedBytes: 512, TotalBytes: 1024, Peers: 3, Speed: 100},
		ProgressAdvancedAt: &now,
		Files:              []domain.TrackFile{{Path: "Geogaddi/01 - Ready Lets Go.flac", Size: 1024}},
	}
	job.RecordError(now, domain.KindTransferStalled, "candidate c-1 stalled")
	require.NoError(t, job.MoveStorage(domain.TierHot, "/hot/Geogaddi"))

	require.NoError(t, repo.Create(ctx, job))

	got := loadJob(t, repo, "job-1")
	assert.Equal(t, job.DedupKey, got.DedupKey)
	assert.Equal(t, job.Request, got.Request)
	assert.Equal(t, domain.StateDownloading, got.State)
	assert.Equal(t, job.Refs, got.Refs)
	assert.Equal(t, job.Candidates, got.Candidates)
	assert.Equal(t, 1, got.CandidateIndex)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, now.Equal(*got.NextAttemptAt))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, domain.KindTransferStalled, got.Errors[0].Kind)
	assert.Equal(t, job.Progress, got.Progress)
	assert.Equal(t, job.Files, got.Files)
	require.NotNil(t, got.Storage)
	assert.Equal(t, domain.TierHot, got.Storage.Tier)
	assert.Nil(t, got.OffloadAt)

	got.State = domain.StateCompleted
	got.CancelRequested = true
	require.NoError(t, repo.Update(ctx, got))

	again := loadJob(t, repo, "job-1")
	assert.Equal(t, domain.StateCompleted, again.State)
	assert.True(t, again.CancelRequested)
}

func TestJobRepositoryActiveDedupIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	now := time.Now().UTC()
	first := &domain.Job{ID: "a", DedupKey: "k", State: domain.StateRequested, CreatedAt: now, UpdatedAt: now}
	second := &domain.Job{ID: "b", DedupKey: "k", State: domain.StateSearching, CreatedAt: now, UpdatedAt: now}

	require.NoError(t, repo.Create(ctx, first))
	require.Error(t, repo.Create(ctx, second), "two active jobs must not share a dedup key")

	first.State = domain.StateFailed
	require.NoError(t, repo.Update(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	active, err := repo.FindActiveByDedupKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)
}

func TestJobRepositoryMissingRows(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.FindActiveByDedupKey(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = repo.Update(ctx, &domain.Job{ID: "missing", State: domain.StateFailed})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

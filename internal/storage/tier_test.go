package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/registry"
	"tunefetch/internal/repository"
	"tunefetch/internal/repository/sqlite"
	"tunefetch/internal/retry"
)

type fakeCold struct {
	mu       sync.Mutex
	existing map[string]bool
	err      error
	keys     []string
}

func (f *fakeCold) Name() string { return "fake" }

func (f *fakeCold) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[key], nil
}

func (f *fakeCold) Offload(_ context.Context, srcDir, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	return "cold://" + key, nil
}

type tierHarness struct {
	now  time.Time
	repo repository.JobRepository
	reg  *registry.Registry
	cold *fakeCold
	bus  *events.Bus
	tm   *TierManager
	dir  string
}

func newTierHarness(t *testing.T) *tierHarness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	h := &tierHarness{
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		repo: repo,
		cold: &fakeCold{existing: map[string]bool{}},
		bus:  events.NewBus(16),
		dir:  t.TempDir(),
	}
	clock := func() time.Time { return h.now }
	h.reg = registry.New(repo, clock)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.tm = NewTierManager(TierConfig{
		ProcessingDir: filepath.Join(h.dir, "processing"),
		OffloadDelay:  time.Hour,
		Retry:         retry.Policy{Base: 30 * time.Second, Factor: 2, MaxAttempts: 2},
		Logger:        logger,
		Now:           clock,
	}, h.reg, h.cold, h.bus)
	return h
}

// archived persists an archived job sitting in the processing tier and reloads the registry.
func (h *tierHarness) archived(t *testing.T, id string, offloadAt time.Time) {
	t.Helper()
	req := domain.Request{Artist: "Massive Attack", Album: "Mezzanine"}
	job := &domain.Job{
		ID:          id,
		DedupKey:    req.DedupKey() + id,
		Request:     req,
		State:       domain.StateArchived,
		Refs:        domain.ExternalRefs{ReleaseID: "r1", TransferHandle: domain.TransferHandle("h-" + id)},
		ContentPath: "/processing/" + id,
		Storage:     &domain.StorageLocation{Tier: domain.TierProcessing, Path: "/processing/" + id},
		OffloadAt:   &offloadAt,
		CreatedAt:   h.now,
		UpdatedAt:   h.now,
	}
	require.NoError(t, h.repo.Create(context.Background(), job))
	require.NoError(t, h.reg.Load(context.Background()))
}

func TestStageMovesContentIntoProcessing(t *testing.T) {
	h := newTierHarness(t)
	hot := filepath.Join(h.dir, "hot", "abc")
	writeTree(t, hot, map[string]string{"01 - Angel.flac": "angel"})

	job := domain.Job{ID: "job-1", ContentPath: hot}
	loc, err := h.tm.Stage(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, domain.TierProcessing, loc.Tier)
	assert.Equal(t, filepath.Join(h.dir, "processing", "job-1"), loc.Path)
	assert.FileExists(t, filepath.Join(loc.Path, "01 - Angel.flac"))
	assert.NoDirExists(t, hot)

	again, err := h.tm.Stage(context.Background(), job)
	require.NoError(t, err, "a repeated stage finds the content already moved")
	assert.Equal(t, loc, again)

	_, err = h.tm.Stage(context.Background(), domain.Job{ID: "job-2", ContentPath: filepath.Join(h.dir, "gone")})
	assert.Error(t, err)
	assert.Equal(t, time.Hour, h.tm.OffloadDelay())
}

func TestSweepOffloadsDueJobs(t *testing.T) {
	h := newTierHarness(t)
	h.archived(t, "due", h.now.Add(-time.Minute))
	h.archived(t, "later", h.now.Add(time.Minute))
	sub, stop := h.bus.Subscribe("due")
	defer stop()

	assert.Equal(t, 1, h.tm.Sweep(context.Background()))

	job, err := h.reg.Get("due")
	require.NoError(t, err)
	assert.Equal(t, domain.TierCold, job.StorageTier())
	assert.Equal(t, "cold://Massive Attack/Mezzanine", job.Storage.Path)
	assert.Equal(t, job.Storage.Path, job.ContentPath)
	assert.Nil(t, job.OffloadAt)

	later, err := h.reg.Get("later")
	require.NoError(t, err)
	assert.Equal(t, domain.TierProcessing, later.StorageTier())

	ev := <-sub
	assert.Equal(t, events.TypeOffloaded, ev.Type)
	assert.Equal(t, domain.TierCold, ev.Tier)

	assert.Equal(t, 0, h.tm.Sweep(context.Background()), "cold jobs are not swept again")
}

func TestSweepDisambiguatesCollisions(t *testing.T) {
	h := newTierHarness(t)
	h.cold.existing["Massive Attack/Mezzanine"] = true
	h.archived(t, "0123456789", h.now)

	assert.Equal(t, 1, h.tm.Sweep(context.Background()))
	assert.Equal(t, []string{"Massive Attack/Mezzanine [01234567]"}, h.cold.keys)
}

func TestSweepBacksOffThenAlerts(t *testing.T) {
	h := newTierHarness(t)
	h.cold.err = errors.New("bucket unreachable")
	h.archived(t, "job", h.now)
	sub, stop := h.bus.Subscribe("job")
	defer stop()

	assert.Equal(t, 0, h.tm.Sweep(context.Background()))
	job, err := h.reg.Get("job")
	require.NoError(t, err)
	assert.Equal(t, 1, job.OffloadAttempts)
	assert.False(t, job.OffloadAlerted)
	require.NotNil(t, job.OffloadAt)
	assert.Equal(t, h.now.Add(30*time.Second), *job.OffloadAt)
	last, ok := job.LastError()
	require.True(t, ok)
	assert.Equal(t, domain.KindStorageOffloadFailure, last.Kind)

	assert.Equal(t, 0, h.tm.Sweep(context.Background()), "not yet due")
	assert.Len(t, h.cold.keys, 1)

	h.now = h.now.Add(30 * time.Second)
	h.tm.Sweep(context.Background())
	job, err = h.reg.Get("job")
	require.NoError(t, err)
	assert.Equal(t, 2, job.OffloadAttempts)
	assert.True(t, job.OffloadAlerted)
	assert.Equal(t, domain.TierProcessing, job.StorageTier())

	ev := <-sub
	assert.Equal(t, events.TypeOffloadAlert, ev.Type)

	h.now = h.now.Add(time.Hour)
	h.tm.Sweep(context.Background())
	assert.Len(t, h.cold.keys, 2, "alerted jobs are left alone")
}

func TestTierManagerStartStop(t *testing.T) {
	h := newTierHarness(t)
	h.tm.cfg.SweepInterval = 10 * time.Millisecond
	h.archived(t, "job", h.now)

	h.tm.Start(context.Background())
	assert.Eventually(t, func() bool {
		job, err := h.reg.Get("job")
		return err == nil && job.StorageTier() == domain.TierCold
	}, time.Second, 10*time.Millisecond)
	h.tm.Stop()
	h.tm.Stop()
	_ = os.RemoveAll(h.dir)
}

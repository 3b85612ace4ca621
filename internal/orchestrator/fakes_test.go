package orchestrator

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/registry"
	"tunefetch/internal/repository/sqlite"
	"tunefetch/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeLibrary struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeLibrary) FindOrCreateRelease(ctx context.Context, artist, album string) (domain.ReleaseRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		return domain.ReleaseRef{}, err
	}
	return domain.ReleaseRef{ID: "rel-1", Artist: artist, Album: album}, nil
}

type fakeIndexer struct {
	candidates []domain.Candidate
	err        error
}

func (f *fakeIndexer) Search(ctx context.Context, release domain.ReleaseDescriptor) ([]domain.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

// fakeClient hands out "h-<candidate>" handles. submitErrs holds errors
// returned, in order, before a candidate's submit succeeds.
type fakeClient struct {
	mu         sync.Mutex
	submitErrs map[string][]error
	submits    []string
	deadlines  []time.Duration
	cancels    []domain.TransferHandle
	refreshes  int
	refreshErr error
	paused     map[domain.TransferHandle]bool
	polled     map[domain.TransferHandle]domain.TransferStatus
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		submitErrs: map[string][]error{},
		paused:     map[domain.TransferHandle]bool{},
		polled:     map[domain.TransferHandle]domain.TransferStatus{},
	}
}

func (f *fakeClient) Submit(ctx context.Context, c domain.Candidate) (domain.TransferHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, c.ID)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(deadline))
	}
	if errs := f.submitErrs[c.ID]; len(errs) > 0 {
		f.submitErrs[c.ID] = errs[1:]
		return "", errs[0]
	}
	return domain.TransferHandle("h-" + c.ID), nil
}

func (f *fakeClient) Poll(ctx context.Context, h domain.TransferHandle) (domain.TransferStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.polled[h]; ok {
		return st, nil
	}
	return domain.TransferStatus{State: domain.TransferDownloading}, nil
}

func (f *fakeClient) Cancel(ctx context.Context, h domain.TransferHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, h)
	return nil
}

func (f *fakeClient) RefreshCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeClient) Pause(ctx context.Context, h domain.TransferHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[h] = true
	return nil
}

func (f *fakeClient) Resume(ctx context.Context, h domain.TransferHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[h] = false
	return nil
}

func (f *fakeClient) cancelled() []domain.TransferHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TransferHandle(nil), f.cancels...)
}

type fakeImporter struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeImporter) Verify(ctx context.Context, job domain.Job) ([]domain.TrackFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []domain.TrackFile{{Path: "01 - Intro.flac", Size: 10, SHA256: "abc"}}, nil
}

type fakeArchiver struct {
	err   error
	calls int
}

func (f *fakeArchiver) Stage(ctx context.Context, job domain.Job) (domain.StorageLocation, error) {
	f.calls++
	if f.err != nil {
		return domain.StorageLocation{}, f.err
	}
	return domain.StorageLocation{Tier: domain.TierProcessing, Path: "/processing/" + job.ID}, nil
}

func (f *fakeArchiver) OffloadDelay() time.Duration { return 5 * time.Minute }

type harness struct {
	orch     *Orchestrator
	reg      *registry.Registry
	clock    *fakeClock
	library  *fakeLibrary
	indexer  *fakeIndexer
	client   *fakeClient
	importer *fakeImporter
	archiver *fakeArchiver
	bus      *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := sqlite.NewJobRepository(db)
	require.NoError(t, repo.Init(context.Background()))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		clock:   &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		library: &fakeLibrary{},
		indexer: &fakeIndexer{candidates: []domain.Candidate{
			{ID: "c1", URI: "magnet:?xt=1", Size: 100},
			{ID: "c2", URI: "magnet:?xt=2", Size: 100},
		}},
		client:   newFakeClient(),
		importer: &fakeImporter{},
		archiver: &fakeArchiver{},
		bus:      events.NewBus(256),
	}
	h.reg = registry.New(repo, h.clock.Now)
	h.orch = New(Config{
		Workers:           2,
		Retry:             retry.Policy{Base: 5 * time.Second, Factor: 2, MaxAttempts: 5},
		StorageRetry:      retry.Policy{Base: 30 * time.Second, Factor: 2, MaxAttempts: 3},
		CallTimeout:       time.Second,
		ImportMaxAttempts: 3,
		StallWindow:       10 * time.Minute,
		Logger:            logger,
		Now:               h.clock.Now,
	}, Deps{
		Registry: h.reg,
		Library:  h.library,
		Indexer:  h.indexer,
		Client:   h.client,
		Importer: h.importer,
		Archiver: h.archiver,
		Bus:      h.bus,
	})
	t.Cleanup(h.orch.Shutdown)
	return h
}

func (h *harness) submit(t *testing.T) domain.Job {
	t.Helper()
	job, outcome, err := h.orch.Submit(context.Background(), domain.Request{Artist: "A", Album: "B"})
	require.NoError(t, err)
	require.Equal(t, registry.OutcomeCreated, outcome)
	return job
}

func (h *harness) drive(t *testing.T, id string) domain.Job {
	t.Helper()
	require.NoError(t, h.orch.Drive(context.Background(), id))
	job, err := h.reg.Get(id)
	require.NoError(t, err)
	return job
}

func (h *harness) status(t *testing.T, id string, st domain.TransferStatus, pollErr error) domain.Job {
	t.Helper()
	require.NoError(t, h.orch.HandleStatus(context.Background(), id, st, pollErr))
	job, err := h.reg.Get(id)
	require.NoError(t, err)
	return job
}

func progress(done, total int64) domain.TransferStatus {
	return domain.TransferStatus{
		State:    domain.TransferDownloading,
		Progress: domain.Progress{DownloadedBytes: done, TotalBytes: total, Peers: 3},
	}
}

func finished(path string) domain.TransferStatus {
	return domain.TransferStatus{
		State:       domain.TransferCompleted,
		Progress:    domain.Progress{DownloadedBytes: 100, TotalBytes: 100},
		ContentPath: path,
		Files:       []domain.TrackFile{{Path: "01 - Intro.flac", Size: 100}},
	}
}

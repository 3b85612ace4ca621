package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/registry"
	"tunefetch/internal/retry"
)

var (
	// ErrTerminal is returned when an operation targets a finished job.
	ErrTerminal = errors.New("job already finished")
	// ErrNotPausable is returned when pause or resume targets a job without a live transfer.
	ErrNotPausable = errors.New("job has no active transfer")

	errStale = errors.New("job changed underneath")
)

// Importer verifies the files of a completed transfer.
type Importer interface {
	Verify(ctx context.Context, job domain.Job) ([]domain.TrackFile, error)
}

// Archiver stages verified content out of the hot tier.
type Archiver interface {
	Stage(ctx context.Context, job domain.Job) (domain.StorageLocation, error)
	OffloadDelay() time.Duration
}

type Config struct {
	Workers           int
	QueueSize         int
	Retry             retry.Policy
	StorageRetry      retry.Policy
	CallTimeout       time.Duration
	SubmitTimeout     time.Duration
	ImportMaxAttempts int
	StallWindow       time.Duration
	Logger            *logrus.Logger
	Now               func() time.Time
}

type Deps struct {
	Registry *registry.Registry
	Library  adapters.LibraryManager
	Indexer  adapters.IndexerProxy
	Client   adapters.DownloadClient
	Importer Importer
	Archiver Archiver
	Bus      *events.Bus
}

// Orchestrator drives jobs through their lifecycle. Every mutation goes
// through the registry's per-job mutex; a job is driven by at most one worker
// at a time.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *logrus.Logger

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[string]bool
	dirty    map[string]bool
	timers   map[string]*time.Timer
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{Base: 5 * time.Second, Factor: 2, MaxAttempts: 5}
	}
	if cfg.StorageRetry.MaxAttempts <= 0 {
		cfg.StorageRetry = retry.Policy{Base: 30 * time.Second, Factor: 2, MaxAttempts: 5}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 3 * time.Minute
	}
	if cfg.ImportMaxAttempts <= 0 {
		cfg.ImportMaxAttempts = 3
	}
	if cfg.ImportMaxAttempts > cfg.Retry.MaxAttempts {
		cfg.ImportMaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		log:       cfg.Logger,
		queue:     make(chan string, cfg.QueueSize),
		done:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
		inflight:  make(map[string]bool),
		dirty:     make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}
	o.started = true
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.log.Infof("orchestrator started with %d workers", o.cfg.Workers)
	return nil
}

// Shutdown stops accepting work, waits for running steps to finish and
// abandons pending backoff timers. Their due times are persisted on the jobs.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	close(o.done)
	o.mu.Unlock()

	o.wg.Wait()
	o.runCancel()
	o.log.Info("orchestrator stopped")
}

// ResumeJobs re-enqueues every unfinished job after a restart and reattaches
// downloading transfers when the client needs it.
func (o *Orchestrator) ResumeJobs(ctx context.Context) error {
	jobs := o.deps.Registry.ListByState(domain.ActiveStates()...)
	reattacher, canReattach := o.deps.Client.(adapters.Reattacher)

	for _, job := range jobs {
		if job.State == domain.StateDownloading && canReattach && !job.CancelRequested {
			cand, _ := job.CurrentCandidate()
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			err := reattacher.Reattach(callCtx, job.Refs.TransferHandle, cand.URI)
			cancel()
			if err != nil {
				o.jobLog(job).Warnf("reattach transfer: %v", err)
			}
		}
		o.Enqueue(job.ID)
	}
	o.log.Infof("resumed %d unfinished jobs", len(jobs))
	return nil
}

// Submit registers a request and starts driving it when a new job was created.
func (o *Orchestrator) Submit(ctx context.Context, req domain.Request) (domain.Job, registry.Outcome, error) {
	job, outcome, err := o.deps.Registry.Submit(ctx, req)
	if err != nil {
		return domain.Job{}, "", err
	}
	o.jobLog(job).WithField("outcome", outcome).Info("download requested")
	if outcome == registry.OutcomeCreated {
		o.deps.Bus.Publish(events.Event{Type: events.TypeSubmitted, JobID: job.ID, State: job.State})
		o.Enqueue(job.ID)
	}
	return job, outcome, nil
}

// Cancel records the cancellation intent. The job is finalised by whichever
// driver touches it next.
func (o *Orchestrator) Cancel(ctx context.Context, ref string) (domain.Job, error) {
	job, err := o.deps.Registry.Lookup(ref)
	if err != nil {
		return domain.Job{}, err
	}
	job, err = o.deps.Registry.Mutate(ctx, job.ID, func(j *domain.Job) error {
		if j.State.IsTerminal() {
			return ErrTerminal
		}
		j.CancelRequested = true
		return nil
	})
	if err != nil {
		return job, err
	}
	o.jobLog(job).Info("cancel requested")
	o.Enqueue(job.ID)
	return job, nil
}

// Pause holds a downloading transfer. Paused jobs are exempt from stall detection.
func (o *Orchestrator) Pause(ctx context.Context, ref string) (domain.Job, error) {
	return o.setPaused(ctx, ref, true)
}

// Resume lets a paused transfer continue and restarts its stall window.
func (o *Orchestrator) Resume(ctx context.Context, ref string) (domain.Job, error) {
	return o.setPaused(ctx, ref, false)
}

func (o *Orchestrator) setPaused(ctx context.Context, ref string, paused bool) (domain.Job, error) {
	pauser, ok := o.deps.Client.(adapters.Pauser)
	if !ok {
		return domain.Job{}, adapters.ErrUnsupported
	}
	job, err := o.deps.Registry.Lookup(ref)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State.IsTerminal() {
		return job, ErrTerminal
	}
	if job.State != domain.StateDownloading {
		return job, ErrNotPausable
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	if paused {
		err = pauser.Pause(callCtx, job.Refs.TransferHandle)
	} else {
		err = pauser.Resume(callCtx, job.Refs.TransferHandle)
	}
	cancel()
	if err != nil {
		return job, err
	}

	return o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateDownloading {
			return errStale
		}
		j.Paused = paused
		now := o.now()
		j.ProgressAdvancedAt = &now
		return nil
	})
}

// Enqueue schedules a job for driving. A job already queued or running is
// marked dirty and driven once more after the current step.
func (o *Orchestrator) Enqueue(id string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if o.inflight[id] {
		o.dirty[id] = true
		o.mu.Unlock()
		return
	}
	o.inflight[id] = true
	o.mu.Unlock()

	select {
	case o.queue <- id:
	default:
		go func() {
			select {
			case o.queue <- id:
			case <-o.done:
			}
		}()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case id := <-o.queue:
			if err := o.Drive(o.runCtx, id); err != nil && !errors.Is(err, registry.ErrJobNotFound) {
				o.log.WithField("job_id", id).Errorf("drive job: %v", err)
			}
			o.mu.Lock()
			again := o.dirty[id]
			delete(o.dirty, id)
			delete(o.inflight, id)
			o.mu.Unlock()
			if again {
				o.Enqueue(id)
			}
		}
	}
}

// schedule re-enqueues a job once its backoff delay has passed.
func (o *Orchestrator) schedule(id string, at time.Time) {
	delay := at.Sub(o.now())
	if delay < 0 {
		delay = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	if existing, ok := o.timers[id]; ok {
		existing.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		o.mu.Lock()
		if o.timers[id] == t {
			delete(o.timers, id)
		}
		o.mu.Unlock()
		o.Enqueue(id)
	})
	o.timers[id] = t
}

// commit applies fn through the registry and publishes the transition, if any.
func (o *Orchestrator) commit(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	var from domain.JobState
	job, err := o.deps.Registry.Mutate(ctx, id, func(j *domain.Job) error {
		from = j.State
		return fn(j)
	})
	if err != nil {
		return job, err
	}
	if job.State != from {
		entry := o.jobLog(job).WithField("from", from)
		if last, ok := job.LastError(); ok && (job.State == domain.StateFailed || (job.State == domain.StateCandidateSelected && from == domain.StateDownloading)) {
			entry = entry.WithField("reason", last.Detail)
		}
		entry.Info("job transition")
		o.deps.Bus.Publish(events.Event{Type: events.TypeTransition, JobID: job.ID, State: job.State, From: from, Tier: job.StorageTier()})
	}
	return job, nil
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.Now().UTC()
}

func (o *Orchestrator) jobLog(job domain.Job) *logrus.Entry {
	fields := logrus.Fields{"job_id": job.ID, "state": job.State}
	if job.Refs.TransferHandle != "" {
		fields["handle"] = job.Refs.TransferHandle
	}
	return o.log.WithFields(fields)
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

func describe(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}

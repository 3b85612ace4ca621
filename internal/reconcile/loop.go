package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
)

// JobSource lists jobs by state without blocking writers.
type JobSource interface {
	ListByState(states ...domain.JobState) []domain.Job
}

// StatusSink folds a poll result back into the state machine.
type StatusSink interface {
	HandleStatus(ctx context.Context, id string, status domain.TransferStatus, pollErr error) error
}

type Config struct {
	Interval           time.Duration
	MaxConcurrentPolls int
	CallTimeout        time.Duration
	Logger             *logrus.Logger
}

// Loop is the single periodic driver that polls the download client for
// every downloading job. The tick interval and poll limit bound the call rate.
type Loop struct {
	cfg    Config
	jobs   JobSource
	client adapters.DownloadClient
	sink   StatusSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, jobs JobSource, client adapters.DownloadClient, sink StatusSink) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Loop{cfg: cfg, jobs: jobs, client: client, sink: sink}
}

func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
	l.cfg.Logger.Infof("reconcile loop started, interval %s", l.cfg.Interval)
}

func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Tick polls every downloading job once and returns how many were polled.
func (l *Loop) Tick(ctx context.Context) int {
	jobs := l.jobs.ListByState(domain.StateDownloading)
	if len(jobs) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MaxConcurrentPolls)

	for _, job := range jobs {
		g.Go(func() error {
			l.reconcile(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs)
}

func (l *Loop) reconcile(ctx context.Context, job domain.Job) {
	logger := l.cfg.Logger.WithFields(logrus.Fields{"job_id": job.ID, "handle": job.Refs.TransferHandle})

	var (
		status  domain.TransferStatus
		pollErr error
	)
	// a pending cancel needs no fresh status
	if !job.CancelRequested {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		status, pollErr = l.client.Poll(callCtx, job.Refs.TransferHandle)
		cancel()
		pollErr = adapters.ClassifyTransport("poll", pollErr)
	}

	if err := l.sink.HandleStatus(ctx, job.ID, status, pollErr); err != nil {
		logger.Errorf("fold poll result: %v", err)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/registry"
	"tunefetch/internal/retry"
)

type TierConfig struct {
	ProcessingDir string
	OffloadDelay  time.Duration
	SweepInterval time.Duration
	Retry         retry.Policy
	Logger        *logrus.Logger
	Now           func() time.Time
}

func (c *TierConfig) setDefaults() {
	if c.OffloadDelay <= 0 {
		c.OffloadDelay = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Policy{Base: 30 * time.Second, Factor: 2, MaxAttempts: 5}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TierManager moves verified content from the hot download area into the
// processing tier and, once the offload delay has passed, into the cold store.
type TierManager struct {
	cfg  TierConfig
	reg  *registry.Registry
	cold ColdStore
	bus  *events.Bus
	mv   mover

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTierManager(cfg TierConfig, reg *registry.Registry, cold ColdStore, bus *events.Bus) *TierManager {
	cfg.setDefaults()
	return &TierManager{cfg: cfg, reg: reg, cold: cold, bus: bus, mv: newMover()}
}

func (m *TierManager) OffloadDelay() time.Duration { return m.cfg.OffloadDelay }

// Stage moves a job's content into <ProcessingDir>/<job id>. A retry after a
// crash between the move and the registry update finds the content already
// in place and reports it.
func (m *TierManager) Stage(ctx context.Context, job domain.Job) (domain.StorageLocation, error) {
	if err := ctx.Err(); err != nil {
		return domain.StorageLocation{}, err
	}
	dst := filepath.Join(m.cfg.ProcessingDir, job.ID)
	if job.ContentPath == "" {
		return domain.StorageLocation{}, fmt.Errorf("job %s has no content path", job.ID)
	}
	if filepath.Clean(job.ContentPath) == dst {
		return domain.StorageLocation{Tier: domain.TierProcessing, Path: dst}, nil
	}

	_, srcErr := os.Stat(job.ContentPath)
	if errors.Is(srcErr, fs.ErrNotExist) {
		if _, err := os.Stat(dst); err == nil {
			return domain.StorageLocation{Tier: domain.TierProcessing, Path: dst}, nil
		}
		return domain.StorageLocation{}, fmt.Errorf("content %s is missing", job.ContentPath)
	}
	if srcErr != nil {
		return domain.StorageLocation{}, srcErr
	}

	if err := m.mv.move(job.ContentPath, dst); err != nil {
		return domain.StorageLocation{}, fmt.Errorf("stage %s: %w", job.ID, err)
	}
	return domain.StorageLocation{Tier: domain.TierProcessing, Path: dst}, nil
}

// Sweep offloads every archived job whose processing copy is due. It returns
// the number of jobs moved to the cold tier.
func (m *TierManager) Sweep(ctx context.Context) int {
	now := m.cfg.Now()
	moved := 0
	for _, job := range m.reg.ListByState(domain.StateArchived) {
		if ctx.Err() != nil {
			break
		}
		if job.StorageTier() != domain.TierProcessing || job.OffloadAlerted {
			continue
		}
		if job.OffloadAt != nil && job.OffloadAt.After(now) {
			continue
		}
		if m.offload(ctx, job) {
			moved++
		}
	}
	return moved
}

func (m *TierManager) offload(ctx context.Context, job domain.Job) bool {
	entry := m.cfg.Logger.WithFields(logrus.Fields{"job_id": job.ID, "store": m.cold.Name()})

	location, err := m.place(ctx, job)
	now := m.cfg.Now()
	alerted := false
	updated, mutErr := m.reg.Mutate(ctx, job.ID, func(j *domain.Job) error {
		if j.StorageTier() != domain.TierProcessing {
			return fmt.Errorf("job left the processing tier")
		}
		if err == nil {
			if mvErr := j.MoveStorage(domain.TierCold, location); mvErr != nil {
				return mvErr
			}
			j.ContentPath = location
			j.OffloadAt = nil
			return nil
		}
		j.OffloadAttempts++
		j.RecordError(now, domain.KindStorageOffloadFailure, err.Error())
		if m.cfg.Retry.Allows(j.OffloadAttempts) {
			next := now.Add(m.cfg.Retry.Delay(j.OffloadAttempts))
			j.OffloadAt = &next
			return nil
		}
		j.OffloadAlerted = true
		alerted = true
		return nil
	})
	if mutErr != nil {
		entry.WithError(mutErr).Warn("record offload result")
		return false
	}

	switch {
	case err == nil:
		entry.WithField("location", location).Info("offloaded to cold storage")
		m.bus.Publish(events.Event{Type: events.TypeOffloaded, JobID: job.ID, State: updated.State, Tier: domain.TierCold, Detail: location, At: now})
		return true
	case alerted:
		entry.WithError(err).Errorf("cold offload exhausted after %d attempts", updated.OffloadAttempts)
		m.bus.Publish(events.Event{Type: events.TypeOffloadAlert, JobID: job.ID, State: updated.State, Tier: updated.StorageTier(), Detail: err.Error(), At: now})
	default:
		entry.WithError(err).Warnf("cold offload failed, attempt %d", updated.OffloadAttempts)
	}
	return false
}

func (m *TierManager) place(ctx context.Context, job domain.Job) (string, error) {
	key := LibraryKey(job)
	exists, err := m.cold.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		key = disambiguate(key, job.ID)
	}
	return m.cold.Offload(ctx, job.Storage.Path, key)
}

func (m *TierManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(ctx); n > 0 {
					m.cfg.Logger.Infof("storage sweep offloaded %d job(s)", n)
				}
			}
		}
	}(m.done)
}

func (m *TierManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

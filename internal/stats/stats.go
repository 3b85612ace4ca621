package stats

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tunefetch/internal/domain"
)

// Snapshot is an aggregate view of the registry at GeneratedAt.
type Snapshot struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	Total            int                     `json:"total"`
	ByState          map[domain.JobState]int `json:"by_state"`
	ByTier           map[domain.Tier]int     `json:"by_tier"`
	Active           int                     `json:"active"`
	ActiveBytes      int64                   `json:"active_bytes"`
	ActiveTotalBytes int64                   `json:"active_total_bytes"`
	CumulativeBytes  int64                   `json:"cumulative_bytes"`
	Speed            int64                   `json:"speed"`
	FailureRate      float64                 `json:"failure_rate"`
	ArchivedLastHour int                     `json:"archived_last_hour"`
	OffloadAlerts    int                     `json:"offload_alerts"`
}

type JobSource interface {
	List() []domain.Job
}

// Cache holds the last snapshot so the registry is not scanned on every call.
type Cache interface {
	Get(ctx context.Context) (Snapshot, bool, error)
	Set(ctx context.Context, snap Snapshot, ttl time.Duration) error
}

type Config struct {
	CacheTTL time.Duration
	Logger   *logrus.Logger
	Now      func() time.Time
}

type Aggregator struct {
	cfg   Config
	jobs  JobSource
	cache Cache
	group singleflight.Group
}

// New returns an aggregator. A nil cache falls back to an in-process one.
func New(cfg Config, jobs JobSource, cache Cache) *Aggregator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cache == nil {
		cache = NewMemoryCache(cfg.Now)
	}
	return &Aggregator{cfg: cfg, jobs: jobs, cache: cache}
}

// Snapshot returns a cached snapshot when one is fresh, else computes one.
// Cache errors are logged and never fail the call.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	if snap, ok, err := a.cache.Get(ctx); err != nil {
		a.cfg.Logger.WithError(err).Warn("stats cache read failed")
	} else if ok {
		return snap
	}

	v, _, _ := a.group.Do("snapshot", func() (any, error) {
		snap := Compute(a.jobs.List(), a.cfg.Now())
		if err := a.cache.Set(ctx, snap, a.cfg.CacheTTL); err != nil {
			a.cfg.Logger.WithError(err).Warn("stats cache write failed")
		}
		return snap, nil
	})
	return v.(Snapshot)
}

// Compute aggregates jobs without touching any cache.
func Compute(jobs []domain.Job, now time.Time) Snapshot {
	snap := Snapshot{
		GeneratedAt: now,
		Total:       len(jobs),
		ByState:     make(map[domain.JobState]int, len(domain.AllStates())),
		ByTier:      make(map[domain.Tier]int, 3),
	}
	for _, s := range domain.AllStates() {
		snap.ByState[s] = 0
	}
	hourAgo := now.Add(-time.Hour)

	for _, job := range jobs {
		snap.ByState[job.State]++
		if tier := job.StorageTier(); tier != "" {
			snap.ByTier[tier]++
		}
		if job.OffloadAlerted {
			snap.OffloadAlerts++
		}
		if !job.State.IsTerminal() {
			snap.Active++
			snap.ActiveBytes += job.Progress.DownloadedBytes
			snap.ActiveTotalBytes += job.Progress.TotalBytes
			if job.State == domain.StateDownloading && !job.Paused {
				snap.Speed += job.Progress.Speed
			}
		}
		if job.CompletedAt != nil && job.State != domain.StateFailed && job.State != domain.StateCancelled {
			snap.CumulativeBytes += job.Progress.TotalBytes
		}
		if job.State == domain.StateArchived && job.ArchivedAt != nil && job.ArchivedAt.After(hourAgo) {
			snap.ArchivedLastHour++
		}
	}

	failed, archived := snap.ByState[domain.StateFailed], snap.ByState[domain.StateArchived]
	if failed+archived > 0 {
		snap.FailureRate = float64(failed) / float64(failed+archived)
	}
	return snap
}

// MemoryCache keeps one snapshot in process.
type MemoryCache struct {
	mu      sync.Mutex
	now     func() time.Time
	snap    Snapshot
	expires time.Time
}

func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{now: now}
}

func (c *MemoryCache) Get(context.Context) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expires.IsZero() || !c.now().Before(c.expires) {
		return Snapshot{}, false, nil
	}
	return c.snap, true, nil
}

func (c *MemoryCache) Set(_ context.Context, snap Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.expires = c.now().Add(ttl)
	return nil
}

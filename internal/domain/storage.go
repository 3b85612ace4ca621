package domain

import "fmt"

type Tier string

const (
	TierHot        Tier = "hot"
	TierProcessing Tier = "processing"
	TierCold       Tier = "cold"
)

func (t Tier) rank() int {
	switch t {
	case TierHot:
		return 1
	case TierProcessing:
		return 2
	case TierCold:
		return 3
	default:
		return 0
	}
}

// StorageLocation is where a job's files currently live.
type StorageLocation struct {
	Tier Tier
	Path string
}

// MoveStorage records a new location. Tiers only move forward.
func (j *Job) MoveStorage(tier Tier, path string) error {
	if tier.rank() == 0 {
		return fmt.Errorf("unknown storage tier %q", tier)
	}
	if j.Storage != nil && tier.rank() < j.Storage.Tier.rank() {
		return fmt.Errorf("storage tier cannot move from %s back to %s", j.Storage.Tier, tier)
	}
	j.Storage = &StorageLocation{Tier: tier, Path: path}
	return nil
}

// StorageTier returns the current tier or "" when nothing is stored yet.
func (j *Job) StorageTier() Tier {
	if j.Storage == nil {
		return ""
	}
	return j.Storage.Tier
}

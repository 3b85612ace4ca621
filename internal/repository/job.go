package repository

import (
	"context"
	"errors"

	"tunefetch/internal/domain"
)

// JobRepository exposes persistence operations for DownloadJob records.
type JobRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, job *domain.Job) error
	Update(ctx context.Context, job *domain.Job) error
	List(ctx context.Context) ([]domain.Job, error)
	// FindActiveByDedupKey returns ErrNotFound when no live job holds key.
	FindActiveByDedupKey(ctx context.Context, key string) (*domain.Job, error)
}

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("job not found")

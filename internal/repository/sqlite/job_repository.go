package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tunefetch/internal/domain"
	"tunefetch/internal/repository"
)

const (
	createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	album TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	release_id TEXT NOT NULL DEFAULT '',
	candidate_id TEXT NOT NULL DEFAULT '',
	transfer_handle TEXT NOT NULL DEFAULT '',
	candidates TEXT NOT NULL DEFAULT '[]',
	candidate_index INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NULL,
	error_history TEXT NOT NULL DEFAULT '[]',
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	peers INTEGER NOT NULL DEFAULT 0,
	speed INTEGER NOT NULL DEFAULT 0,
	progress_advanced_at DATETIME NULL,
	content_path TEXT NOT NULL DEFAULT '',
	files TEXT NOT NULL DEFAULT '[]',
	storage_tier TEXT NOT NULL DEFAULT '',
	storage_path TEXT NOT NULL DEFAULT '',
	offload_at DATETIME NULL,
	offload_attempts INTEGER NOT NULL DEFAULT 0,
	offload_alerted INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	paused INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL,
	archived_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_dedup_key ON jobs(dedup_key);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_dedup ON jobs(dedup_key)
WHERE state NOT IN ('archived', 'failed', 'cancelled');
`

	jobColumns = `id, dedup_key, title, artist, album, external_id, source, state, release_id, candidate_id, transfer_handle, candidates, candidate_index, attempt_count, next_attempt_at, error_history, downloaded_bytes, total_bytes, peers, speed, progress_advanced_at, content_path, files, storage_tier, storage_path, offload_at, offload_attempts, offload_alerted, cancel_requested, paused, created_at, updated_at, completed_at, archived_at`
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return r.ensureJobColumns(ctx)
}

// ensureJobColumns upgrades databases created before the offload bookkeeping existed.
func (r *JobRepository) ensureJobColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return fmt.Errorf("describe jobs table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	migrations := []struct {
		name      string
		statement string
	}{
		{"offload_at", `ALTER TABLE jobs ADD COLUMN offload_at DATETIME NULL`},
		{"offload_attempts", `ALTER TABLE jobs ADD COLUMN offload_attempts INTEGER NOT NULL DEFAULT 0`},
		{"offload_alerted", `ALTER TABLE jobs ADD COLUMN offload_alerted INTEGER NOT NULL DEFAULT 0`},
		{"paused", `ALTER TABLE jobs ADD COLUMN paused INTEGER NOT NULL DEFAULT 0`},
	}
	for _, m := range migrations {
		if _, exists := columns[m.name]; exists {
			continue
		}
		if _, err := r.db.ExecContext(ctx, m.statement); err != nil {
			return fmt.Errorf("add column %s: %w", m.name, err)
		}
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO jobs (%s) VALUES (%s)`, jobColumns, placeholders), args...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	columns := strings.Split(jobColumns, ", ")
	sets := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		sets = append(sets, c+"=?")
	}
	// id leads the argument list; move it to the WHERE clause.
	args = append(args[1:], args[0])

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE jobs SET %s WHERE id=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job update rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *JobRepository) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM jobs ORDER BY created_at ASC`, jobColumns))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *JobRepository) FindActiveByDedupKey(ctx context.Context, key string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s FROM jobs
WHERE dedup_key=? AND state NOT IN ('archived', 'failed', 'cancelled')
LIMIT 1`, jobColumns), key)
	return scanJob(row)
}

func jobArgs(job *domain.Job) ([]any, error) {
	candidates, err := json.Marshal(nonNil(job.Candidates))
	if err != nil {
		return nil, fmt.Errorf("encode candidates: %w", err)
	}
	history, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return nil, fmt.Errorf("encode error history: %w", err)
	}
	files, err := json.Marshal(nonNil(job.Files))
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}

	var tier, storagePath string
	if job.Storage != nil {
		tier = string(job.Storage.Tier)
		storagePath = job.Storage.Path
	}

	return []any{
		job.ID,
		job.DedupKey,
		job.Request.Title,
		job.Request.Artist,
		job.Request.Album,
		job.Request.ExternalID,
		job.Request.Source,
		string(job.State),
		job.Refs.ReleaseID,
		job.Refs.CandidateID,
		string(job.Refs.TransferHandle),
		string(candidates),
		job.CandidateIndex,
		job.AttemptCount,
		nullTime(job.NextAttemptAt),
		string(history),
		job.Progress.DownloadedBytes,
		job.Progress.TotalBytes,
		job.Progress.Peers,
		job.Progress.Speed,
		nullTime(job.ProgressAdvancedAt),
		job.ContentPath,
		string(files),
		tier,
		storagePath,
		nullTime(job.OffloadAt),
		job.OffloadAttempts,
		job.OffloadAlerted,
		job.CancelRequested,
		job.Paused,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.CompletedAt),
		nullTime(job.ArchivedAt),
	}, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		job                domain.Job
		state              string
		handle             string
		candidates         string
		history            string
		files              string
		tier               string
		storagePath        string
		nextAttemptAt      sql.NullTime
		progressAdvancedAt sql.NullTime
		offloadAt          sql.NullTime
		completedAt        sql.NullTime
		archivedAt         sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.DedupKey,
		&job.Request.Title,
		&job.Request.Artist,
		&job.Request.Album,
		&job.Request.ExternalID,
		&job.Request.Source,
		&state,
		&job.Refs.ReleaseID,
		&job.Refs.CandidateID,
		&handle,
		&candidates,
		&job.CandidateIndex,
		&job.AttemptCount,
		&nextAttemptAt,
		&history,
		&job.Progress.DownloadedBytes,
		&job.Progress.TotalBytes,
		&job.Progress.Peers,
		&job.Progress.Speed,
		&progressAdvancedAt,
		&job.ContentPath,
		&files,
		&tier,
		&storagePath,
		&offloadAt,
		&job.OffloadAttempts,
		&job.OffloadAlerted,
		&job.CancelRequested,
		&job.Paused,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completedAt,
		&archivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.State = domain.JobState(state)
	job.Refs.TransferHandle = domain.TransferHandle(handle)
	if err := json.Unmarshal([]byte(candidates), &job.Candidates); err != nil {
		return nil, fmt.Errorf("decode candidates for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &job.Errors); err != nil {
		return nil, fmt.Errorf("decode error history for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
		return nil, fmt.Errorf("decode files for %s: %w", job.ID, err)
	}
	if tier != "" {
		job.Storage = &domain.StorageLocation{Tier: domain.Tier(tier), Path: storagePath}
	}

	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.NextAttemptAt = timePtr(nextAttemptAt)
	job.ProgressAdvancedAt = timePtr(progressAdvancedAt)
	job.OffloadAt = timePtr(offloadAt)
	job.CompletedAt = timePtr(completedAt)
	job.ArchivedAt = timePtr(archivedAt)

	return &job, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

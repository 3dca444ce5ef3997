package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelforge/internal/domain"
)

const jobColumns = `id, owner_id, title, description, input_kind, input_payload, status,
provider_task_id, result_asset_path, result_preview_path, next_poll_at, created_at, updated_at`

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, owner_id, title, description, input_kind, input_payload, status)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.Title,
		nullableText(job.Description),
		job.InputKind,
		job.InputPayload,
		job.Status,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByOwner returns all jobs for an owner, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC;`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// SetProviderTask records the provider task id, transitions the job to
// PROCESSING and schedules its first poll.
func (r *JobRepositoryPG) SetProviderTask(ctx context.Context, jobID, taskID string, nextPollAt time.Time) error {
	query := `
UPDATE jobs
SET provider_task_id = $2,
    status = $3,
    next_poll_at = $4,
    updated_at = NOW()
WHERE id = $1;
`
	return r.execOne(ctx, query, jobID, taskID, domain.JobStatusProcessing, nextPollAt)
}

// UpdateStatus sets the job status. Terminal statuses clear the poll cursor
// so the worker never claims them again; an already-terminal row is never
// rewritten and reports ErrNotFound.
func (r *JobRepositoryPG) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	query := `
UPDATE jobs
SET status = $2,
    next_poll_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'BANNED') THEN NULL ELSE next_poll_at END,
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'BANNED');
`
	return r.execOne(ctx, query, jobID, status)
}

// Complete marks the job COMPLETED and records the persisted asset paths.
func (r *JobRepositoryPG) Complete(ctx context.Context, jobID, assetPath, previewPath string) error {
	query := `
UPDATE jobs
SET status = $2,
    result_asset_path = $3,
    result_preview_path = $4,
    next_poll_at = NULL,
    updated_at = NOW()
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'BANNED');
`
	return r.execOne(ctx, query, jobID, domain.JobStatusCompleted, assetPath, nullableText(previewPath))
}

// Reschedule pushes the job's next poll to the given time.
func (r *JobRepositoryPG) Reschedule(ctx context.Context, jobID string, at time.Time) error {
	query := `
UPDATE jobs
SET next_poll_at = $2,
    updated_at = NOW()
WHERE id = $1 AND status = 'PROCESSING';
`
	return r.execOne(ctx, query, jobID, at)
}

// Delete removes a job record.
func (r *JobRepositoryPG) Delete(ctx context.Context, jobID string) error {
	return r.execOne(ctx, `DELETE FROM jobs WHERE id = $1;`, jobID)
}

// ClaimDue claims up to limit PROCESSING jobs whose poll is due. Claimed rows
// have their cursor pushed forward by the lease so a crashed worker only
// delays, never loses, the poll. SKIP LOCKED keeps concurrent workers from
// polling the same job twice.
func (r *JobRepositoryPG) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]domain.Job, error) {
	query := `
UPDATE jobs
SET next_poll_at = NOW() + make_interval(secs => $2),
    updated_at = NOW()
WHERE id IN (
    SELECT id FROM jobs
    WHERE status = 'PROCESSING' AND next_poll_at IS NOT NULL AND next_poll_at <= NOW()
    ORDER BY next_poll_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns + `;`

	rows, err := r.pool.Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (r *JobRepositoryPG) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		description *string
		taskID      *string
		assetPath   *string
		previewPath *string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Title,
		&description,
		&job.InputKind,
		&job.InputPayload,
		&job.Status,
		&taskID,
		&assetPath,
		&previewPath,
		&job.NextPollAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Description = deref(description)
	job.ProviderTaskID = deref(taskID)
	job.ResultAssetPath = deref(assetPath)
	job.ResultPreviewPath = deref(previewPath)
	return &job, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

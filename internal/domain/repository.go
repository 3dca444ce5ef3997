package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job records. Every method is a
// single-row operation; no multi-row transactions are required.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Job, error)
	// SetProviderTask records the provider task id, moves the job to
	// PROCESSING and schedules its first poll.
	SetProviderTask(ctx context.Context, jobID, taskID string, nextPollAt time.Time) error
	// UpdateStatus sets a status; terminal statuses clear the poll cursor.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus) error
	// Complete marks the job COMPLETED and records the persisted asset paths.
	Complete(ctx context.Context, jobID, assetPath, previewPath string) error
	// Reschedule pushes the job's next poll to the given time.
	Reschedule(ctx context.Context, jobID string, at time.Time) error
	Delete(ctx context.Context, jobID string) error
	// ClaimDue atomically claims up to limit PROCESSING jobs whose poll is
	// due, pushing their cursor forward so no other worker picks them up.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]Job, error)
}

// UserRepository defines access methods for user accounts.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
}

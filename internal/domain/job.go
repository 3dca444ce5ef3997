package domain

import "time"

// InputKind enumerates the supported generation inputs.
type InputKind string

const (
	InputKindText  InputKind = "TEXT"
	InputKindImage InputKind = "IMAGE"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusBanned     JobStatus = "BANNED"
)

// Terminal reports whether no further status transition may occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusBanned:
		return true
	}
	return false
}

// Job encapsulates the lifecycle of one 3D-asset generation request.
//
// InputPayload holds what was submitted: the (possibly enriched) prompt for
// TEXT jobs, and for IMAGE jobs either the source URL or an "upload:<name>"
// marker standing in for a staged data URI.
type Job struct {
	ID                string
	OwnerID           string
	Title             string
	Description       string
	InputKind         InputKind
	InputPayload      string
	Status            JobStatus
	ProviderTaskID    string
	ResultAssetPath   string
	ResultPreviewPath string
	NextPollAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GenerationOptions carries the structured hints a caller may attach to a
// submission. All fields are optional.
type GenerationOptions struct {
	WidthCM  int
	HeightCM int
	DepthCM  int
	Material string
	Color    string
	Style    string
	Quality  string
	Texture  bool

	// ImageFilename names an uploaded image payload; used for the upload
	// marker stored on the job and for the provider upload filename.
	ImageFilename string
}

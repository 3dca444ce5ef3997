// Package orchestrator drives a generation job from submission through
// provider polling to a terminal state. It owns every retry, backoff and
// state-transition decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelforge/internal/domain"
	"modelforge/internal/infra"
	"modelforge/internal/provider/tripo"
	"modelforge/internal/storage"
)

const imageFetchAttempts = 3

// ProviderClient is the outbound surface of the generation provider the
// orchestrator consumes.
type ProviderClient interface {
	CreateTask(ctx context.Context, input tripo.CreateTaskInput) (string, error)
	UploadImage(ctx context.Context, data []byte, contentType, filename string) (string, error)
	FetchStatus(ctx context.Context, taskID string) (tripo.TaskStatus, error)
}

// ArtifactStore is the storage surface the orchestrator consumes.
type ArtifactStore interface {
	Configured() bool
	UploadBytes(ctx context.Context, ownerID, jobID, logicalName string, data []byte, contentType string) (string, error)
	UploadSource(ctx context.Context, ownerID, jobID, logicalName, source string) (string, error)
}

// Options bundles the orchestrator's collaborators and tuning knobs.
type Options struct {
	Jobs     domain.JobRepository
	Provider ProviderClient
	Store    ArtifactStore
	Logger   infra.Logger

	// PollInterval is the short reschedule delay between healthy polls;
	// OutageBackoff is the long delay applied when the poll itself fails.
	PollInterval  time.Duration
	OutageBackoff time.Duration

	ImageFetchTimeout time.Duration
	MaxImageBytes     int64

	// HTTPClient fetches caller-supplied image URLs. The provider is never
	// handed a third-party URL directly.
	HTTPClient *http.Client
}

// Orchestrator is the job state machine.
type Orchestrator struct {
	jobs     domain.JobRepository
	provider ProviderClient
	store    ArtifactStore
	logger   infra.Logger

	pollInterval  time.Duration
	outageBackoff time.Duration
	fetchTimeout  time.Duration
	maxImageBytes int64
	httpClient    *http.Client
}

// New constructs an orchestrator, applying defaults for unset knobs.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		jobs:          opts.Jobs,
		provider:      opts.Provider,
		store:         opts.Store,
		logger:        opts.Logger,
		pollInterval:  opts.PollInterval,
		outageBackoff: opts.OutageBackoff,
		fetchTimeout:  opts.ImageFetchTimeout,
		maxImageBytes: opts.MaxImageBytes,
		httpClient:    opts.HTTPClient,
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 5 * time.Second
	}
	if o.outageBackoff <= 0 {
		o.outageBackoff = 60 * time.Second
	}
	if o.fetchTimeout <= 0 {
		o.fetchTimeout = 15 * time.Second
	}
	if o.maxImageBytes <= 0 {
		o.maxImageBytes = 20 * 1024 * 1024
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	return o
}

// SubmitInput is a validated-enough creation request; Submit performs the
// domain validation itself.
type SubmitInput struct {
	OwnerID     string
	Title       string
	Description string
	Kind        domain.InputKind
	Payload     string
	Options     domain.GenerationOptions
}

// Submit creates a job, hands the input to the provider and schedules the
// first poll. It returns as soon as the provider task exists; completion is
// observed asynchronously. If anything fails before the provider task is
// created, the nascent job row is deleted so no orphan PENDING row survives.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*domain.Job, error) {
	if err := validateSubmit(in); err != nil {
		return nil, err
	}

	isUpload := in.Kind == domain.InputKindImage && strings.HasPrefix(in.Payload, "data:")
	if isUpload && !o.store.Configured() {
		// Uploads must be staged for audit before the provider sees them.
		return nil, fmt.Errorf("%w: cannot accept image uploads", domain.ErrStorageNotConfigured)
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		Title:       in.Title,
		Description: in.Description,
		InputKind:   in.Kind,
		Status:      domain.JobStatusPending,
		CreatedAt:   time.Now(),
	}

	var prompt string
	switch in.Kind {
	case domain.InputKindText:
		prompt = EnrichPrompt(in.Payload, in.Options)
		job.InputPayload = prompt
	case domain.InputKindImage:
		if isUpload {
			job.InputPayload = "upload:" + uploadName(in.Options.ImageFilename)
		} else {
			job.InputPayload = in.Payload
		}
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	var file *tripo.FilePayload
	if in.Kind == domain.InputKindImage {
		payload, err := o.prepareImage(ctx, job, in)
		if err != nil {
			o.discard(ctx, job.ID)
			return nil, err
		}
		file = payload
	}

	input := tripo.CreateTaskInput{Prompt: prompt, File: file}
	if in.Kind == domain.InputKindText {
		input.Kind = tripo.TaskTextToModel
	} else {
		input.Kind = tripo.TaskImageToModel
	}
	if in.Options.Texture {
		texture := true
		input.Texture = &texture
	}

	taskID, err := o.provider.CreateTask(ctx, input)
	if err != nil {
		o.discard(ctx, job.ID)
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}

	now := time.Now()
	if err := o.jobs.SetProviderTask(ctx, job.ID, taskID, now); err != nil {
		// The provider task is abandoned; it will run to completion unobserved.
		o.logger.Error().Err(err).Str("job_id", job.ID).Str("task_id", taskID).
			Msg("orchestrator: failed to record provider task")
		o.discard(ctx, job.ID)
		return nil, fmt.Errorf("record provider task: %w", err)
	}

	job.ProviderTaskID = taskID
	job.Status = domain.JobStatusProcessing
	job.NextPollAt = &now
	o.logger.Info().Str("job_id", job.ID).Str("task_id", taskID).Msg("orchestrator: job submitted")
	return job, nil
}

// prepareImage reduces any accepted image payload to an opaque provider
// token: data URIs are staged into the artifact store then uploaded; remote
// URLs are fetched locally (bounded size, bounded retry) and re-uploaded.
func (o *Orchestrator) prepareImage(ctx context.Context, job *domain.Job, in SubmitInput) (*tripo.FilePayload, error) {
	filename := uploadName(in.Options.ImageFilename)

	var (
		data        []byte
		contentType string
		err         error
	)
	if strings.HasPrefix(in.Payload, "data:") {
		data, contentType, err = storage.DecodeDataURI(in.Payload)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > o.maxImageBytes {
			return nil, fmt.Errorf("%w: image exceeds %d bytes", domain.ErrValidation, o.maxImageBytes)
		}
		if _, err := o.store.UploadBytes(ctx, job.OwnerID, job.ID, "input", data, contentType); err != nil {
			return nil, fmt.Errorf("stage input image: %w", err)
		}
	} else {
		data, contentType, err = o.fetchImage(ctx, in.Payload)
		if err != nil {
			return nil, fmt.Errorf("fetch image url: %w", err)
		}
	}

	token, err := o.provider.UploadImage(ctx, data, contentType, filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}
	return &tripo.FilePayload{FileToken: token, Type: contentType}, nil
}

// fetchImage downloads a caller-supplied image URL with a wall-clock timeout
// per attempt and bounded linear-backoff retry on transient errors only.
func (o *Orchestrator) fetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= imageFetchAttempts; attempt++ {
		data, contentType, err := o.fetchImageOnce(ctx, rawURL)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if !tripo.IsTransientError(err) || attempt == imageFetchAttempts {
			return nil, "", err
		}
		wait := time.Duration(attempt) * time.Second
		o.logger.Warn().Err(err).Int("attempt", attempt).Msg("orchestrator: image fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, "", lastErr
}

func (o *Orchestrator) fetchImageOnce(ctx context.Context, rawURL string) ([]byte, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("image fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, o.maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("fetched image is empty")
	}
	if int64(len(data)) > o.maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", o.maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}

// PollDue claims due jobs and polls each once. It returns the number of jobs
// polled; the worker loop decides how long to sleep when it is zero.
func (o *Orchestrator) PollDue(ctx context.Context, limit int) (int, error) {
	jobs, err := o.jobs.ClaimDue(ctx, limit, o.outageBackoff)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	for i := range jobs {
		o.PollOnce(ctx, &jobs[i])
	}
	return len(jobs), nil
}

// PollOnce performs exactly one provider status fetch for a PROCESSING job
// and applies the resulting transition: terminal statuses finalize the job,
// everything else reschedules the next poll. A job deleted mid-flight stops
// the chain silently.
func (o *Orchestrator) PollOnce(ctx context.Context, job *domain.Job) {
	if job.Status != domain.JobStatusProcessing || job.ProviderTaskID == "" {
		return
	}
	log := o.logger.With().Str("job_id", job.ID).Str("task_id", job.ProviderTaskID).Logger()

	status, err := o.provider.FetchStatus(ctx, job.ProviderTaskID)
	if err != nil {
		// A provider outage must not fail the job; back off and try again.
		log.Warn().Err(err).Dur("backoff", o.outageBackoff).Msg("orchestrator: status fetch failed")
		o.reschedule(ctx, job.ID, o.outageBackoff, log)
		return
	}

	switch status.State {
	case tripo.StateSuccess:
		if status.ModelURL == "" {
			log.Error().Msg("orchestrator: task succeeded without a model url")
			o.finalize(ctx, job.ID, domain.JobStatusFailed, log)
			return
		}
		o.persistResult(ctx, job, status, log)
	case tripo.StateBanned:
		log.Info().Msg("orchestrator: task banned")
		o.finalize(ctx, job.ID, domain.JobStatusBanned, log)
	case tripo.StateFailed:
		log.Info().Str("provider_status", status.Raw).Msg("orchestrator: task failed")
		o.finalize(ctx, job.ID, domain.JobStatusFailed, log)
	case tripo.StateRunning:
		o.reschedule(ctx, job.ID, o.pollInterval, log)
	case tripo.StateUnknown:
		log.Warn().Str("provider_status", status.Raw).Msg("orchestrator: unrecognized task status")
		o.reschedule(ctx, job.ID, o.pollInterval, log)
	default:
		log.Error().Int("state", int(status.State)).Msg("orchestrator: unmapped task state")
		o.reschedule(ctx, job.ID, o.pollInterval, log)
	}
}

// persistResult re-homes the provider's result blobs into the artifact store
// and completes the job with internal paths. With no store configured it
// falls back to recording the provider's raw URLs; those links expire, so
// this degraded path logs at error level.
func (o *Orchestrator) persistResult(ctx context.Context, job *domain.Job, status tripo.TaskStatus, log infra.Logger) {
	assetPath := status.ModelURL
	previewPath := status.PreviewURL

	if o.store.Configured() {
		persisted, err := o.store.UploadSource(ctx, job.OwnerID, job.ID, "model", status.ModelURL)
		if err != nil {
			log.Error().Err(err).Msg("orchestrator: persist model asset failed")
			o.finalize(ctx, job.ID, domain.JobStatusFailed, log)
			return
		}
		assetPath = persisted

		if status.PreviewURL != "" {
			persisted, err := o.store.UploadSource(ctx, job.OwnerID, job.ID, "preview", status.PreviewURL)
			if err != nil {
				log.Error().Err(err).Msg("orchestrator: persist preview asset failed")
				o.finalize(ctx, job.ID, domain.JobStatusFailed, log)
				return
			}
			previewPath = persisted
		}
	} else {
		log.Error().Msg("orchestrator: storage not configured, recording raw provider urls")
	}

	if err := o.jobs.Complete(ctx, job.ID, assetPath, previewPath); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("orchestrator: job deleted before completion")
			return
		}
		log.Error().Err(err).Msg("orchestrator: complete job failed")
		return
	}
	log.Info().Str("asset_path", assetPath).Msg("orchestrator: job completed")
}

func (o *Orchestrator) finalize(ctx context.Context, jobID string, status domain.JobStatus, log infra.Logger) {
	if err := o.jobs.UpdateStatus(ctx, jobID, status); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("orchestrator: job deleted before finalization")
			return
		}
		log.Error().Err(err).Str("status", string(status)).Msg("orchestrator: status update failed")
	}
}

func (o *Orchestrator) reschedule(ctx context.Context, jobID string, delay time.Duration, log infra.Logger) {
	if err := o.jobs.Reschedule(ctx, jobID, time.Now().Add(delay)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("orchestrator: job deleted mid-poll, stopping")
			return
		}
		log.Error().Err(err).Msg("orchestrator: reschedule failed")
	}
}

// discard removes the job row created for a submission that never reached
// the provider; a dangling PENDING row must not survive a failed submit.
func (o *Orchestrator) discard(ctx context.Context, jobID string) {
	if err := o.jobs.Delete(ctx, jobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: cleanup of failed submission failed")
	}
}

func validateSubmit(in SubmitInput) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if strings.TrimSpace(in.Payload) == "" {
		return fmt.Errorf("%w: input payload is required", domain.ErrValidation)
	}
	switch in.Kind {
	case domain.InputKindText:
		return nil
	case domain.InputKindImage:
		if strings.HasPrefix(in.Payload, "data:") {
			return nil
		}
		parsed, err := url.Parse(in.Payload)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: image payload must be an http(s) url or data uri", domain.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported input kind %q", domain.ErrValidation, in.Kind)
	}
}

func uploadName(filename string) string {
	if strings.TrimSpace(filename) == "" {
		return "image"
	}
	return filename
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"modelforge/internal/domain"
	"modelforge/internal/orchestrator"
)

type createJobRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	InputKind     string `json:"input_kind"`
	InputPayload  string `json:"input_payload"`
	ImageFilename string `json:"image_filename"`

	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Depth    int    `json:"depth"`
	Material string `json:"material"`
	Color    string `json:"color"`
	Style    string `json:"style"`
	Quality  string `json:"quality"`
	Texture  bool   `json:"texture"`
}

type jobResponse struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	InputKind         string    `json:"input_kind"`
	InputPayload      string    `json:"input_payload"`
	Status            string    `json:"status"`
	ProviderTaskID    string    `json:"provider_task_id,omitempty"`
	ResultAssetPath   string    `json:"result_asset_path,omitempty"`
	ResultPreviewPath string    `json:"result_preview_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func jobToResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:                j.ID,
		OwnerID:           j.OwnerID,
		Title:             j.Title,
		Description:       j.Description,
		InputKind:         string(j.InputKind),
		InputPayload:      j.InputPayload,
		Status:            string(j.Status),
		ProviderTaskID:    j.ProviderTaskID,
		ResultAssetPath:   j.ResultAssetPath,
		ResultPreviewPath: j.ResultPreviewPath,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

// CreateJob validates the submission and hands it to the orchestrator.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	job, err := a.Orchestrator.Submit(r.Context(), orchestrator.SubmitInput{
		OwnerID:     userID,
		Title:       req.Title,
		Description: req.Description,
		Kind:        domain.InputKind(req.InputKind),
		Payload:     req.InputPayload,
		Options: domain.GenerationOptions{
			WidthCM:       req.Width,
			HeightCM:      req.Height,
			DepthCM:       req.Depth,
			Material:      req.Material,
			Color:         req.Color,
			Style:         req.Style,
			Quality:       req.Quality,
			Texture:       req.Texture,
			ImageFilename: req.ImageFilename,
		},
	})
	if err != nil {
		a.domainError(w, r, err, "generation could not be started")
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"job": jobToResponse(job)})
}

// ListJobs returns the caller's jobs, newest first.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	jobs, err := a.Jobs.ListByOwner(r.Context(), userID)
	if err != nil {
		a.domainError(w, r, err, "listing failed")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobToResponse(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": out})
}

// GetJob returns one job; owners see their own, admins see any.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForCaller(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, map[string]any{"job": jobToResponse(job)})
}

// DeleteJob removes a job. Any poll still in flight for it will observe the
// missing record and stop.
func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForCaller(w, r)
	if !ok {
		return
	}
	if err := a.Jobs.Delete(r.Context(), job.ID); err != nil {
		a.domainError(w, r, err, "deletion failed")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"message": "job deleted"})
}

// DownloadJobFile streams a stored result artifact back to its owner.
// ?type=preview selects the preview image; ?download=1 forces an attachment.
func (a *App) DownloadJobFile(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForCaller(w, r)
	if !ok {
		return
	}

	resource := job.ResultAssetPath
	if r.URL.Query().Get("type") == "preview" {
		resource = job.ResultPreviewPath
	}
	if resource == "" {
		a.error(w, http.StatusNotFound, "file not available")
		return
	}

	obj, err := a.Store.Download(r.Context(), resource)
	if err != nil {
		if errors.Is(err, domain.ErrStorageNotConfigured) || errors.Is(err, domain.ErrUnparseableAssetPath) {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("asset download failed")
			a.error(w, http.StatusNotFound, "file not available")
			return
		}
		a.domainError(w, r, err, "download failed")
		return
	}

	download := r.URL.Query().Get("download") == "1"
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	if download {
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			filename = a.Store.ObjectName(resource)
		}
		if filename == "" {
			filename = job.Title + ".glb"
		}
		w.Header().Set("Cache-Control", "private, max-age=0, no-store")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename)))
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	_, _ = w.Write(obj.Data)
}

func (a *App) loadJobForCaller(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "job id required")
		return nil, false
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		a.domainError(w, r, err, "lookup failed")
		return nil, false
	}
	if job.OwnerID != userID && !a.isAdmin(r) {
		// Do not leak existence of other owners' jobs.
		a.error(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

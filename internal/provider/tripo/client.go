package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"modelforge/internal/infra"
)

// Sentinel errors for the distinct failure classes of the Tripo API.
var (
	ErrMissingCredentials = errors.New("tripo: api key and url are required")
	ErrTaskRejected       = errors.New("tripo: task creation rejected")
	ErrUploadRejected     = errors.New("tripo: image upload rejected")
	ErrMalformedResponse  = errors.New("tripo: malformed response body")
)

const (
	createTaskAttempts = 3
	retryBackoffUnit   = time.Second
)

// TaskKind selects the generation pipeline.
type TaskKind string

const (
	TaskTextToModel  TaskKind = "text_to_model"
	TaskImageToModel TaskKind = "image_to_model"
)

// TaskState discriminates the provider's out-of-band task status.
type TaskState int

const (
	StateRunning TaskState = iota
	StateSuccess
	StateFailed
	StateBanned
	StateUnknown
)

// TaskStatus is the normalized result of one status fetch. ModelURL and
// PreviewURL are only meaningful when State is StateSuccess; Raw carries the
// provider's literal status string for StateUnknown.
type TaskStatus struct {
	State      TaskState
	ModelURL   string
	PreviewURL string
	Raw        string
}

// FilePayload references a previously uploaded image for image_to_model
// tasks. Exactly one of FileToken or URL is set; URL must point at bytes the
// caller itself fetched, never an arbitrary third-party location.
type FilePayload struct {
	FileToken string
	URL       string
	Type      string
}

// CreateTaskInput carries everything needed to open a provider task.
type CreateTaskInput struct {
	Kind    TaskKind
	Prompt  string
	File    *FilePayload
	Texture *bool
}

// Balance is the provider wallet snapshot for the admin dashboard.
type Balance struct {
	Balance float64 `json:"balance"`
	Frozen  float64 `json:"frozen"`
}

// Options configures the Tripo client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger

	RequestTimeout time.Duration
}

// Client performs all outbound HTTP against the Tripo generation API. It has
// no knowledge of job persistence.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" || strings.TrimSpace(opts.BaseURL) == "" {
		return nil, ErrMissingCredentials
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type taskRequest struct {
	Type    TaskKind         `json:"type"`
	Prompt  string           `json:"prompt,omitempty"`
	File    *taskFilePayload `json:"file,omitempty"`
	Texture *bool            `json:"texture,omitempty"`
}

type taskFilePayload struct {
	FileToken string `json:"file_token,omitempty"`
	URL       string `json:"url,omitempty"`
	Type      string `json:"type,omitempty"`
}

type urlRef struct {
	URL string `json:"url"`
}

type taskResult struct {
	PBRModel       *urlRef `json:"pbr_model"`
	Model          string  `json:"model"`
	ModelURL       string  `json:"model_url"`
	RenderedImage  *urlRef `json:"rendered_image"`
	PreviewImage   string  `json:"preview_image"`
	PreviewURL     string  `json:"preview_url"`
	GeneratedImage string  `json:"generated_image"`
}

// envelope is the provider's uniform response wrapper; code == 0 denotes
// success regardless of HTTP status text.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID     string      `json:"task_id"`
		Status     string      `json:"status"`
		ImageToken string      `json:"image_token"`
		Result     *taskResult `json:"result"`
		Balance    float64     `json:"balance"`
		Frozen     float64     `json:"frozen"`
	} `json:"data"`
}

// CreateTask opens a generation task and returns the provider's task id.
// Transient transport errors are retried up to three attempts total with
// linear backoff; every other failure is permanent and returned immediately.
func (c *Client) CreateTask(ctx context.Context, input CreateTaskInput) (string, error) {
	if input.Kind != TaskTextToModel && input.Kind != TaskImageToModel {
		return "", fmt.Errorf("%w: unsupported task kind %q", ErrTaskRejected, input.Kind)
	}
	payload := taskRequest{Type: input.Kind, Texture: input.Texture}
	switch input.Kind {
	case TaskTextToModel:
		payload.Prompt = input.Prompt
	case TaskImageToModel:
		if input.File == nil || (input.File.FileToken == "" && input.File.URL == "") {
			return "", fmt.Errorf("%w: image task requires a file token or a prefetched url", ErrTaskRejected)
		}
		payload.File = &taskFilePayload{
			FileToken: input.File.FileToken,
			URL:       input.File.URL,
			Type:      input.File.Type,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("tripo: encode task payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= createTaskAttempts; attempt++ {
		resp, err := c.postJSON(ctx, c.baseURL+"/task", body)
		if err != nil {
			lastErr = err
			if !IsTransientError(err) || attempt == createTaskAttempts {
				return "", fmt.Errorf("tripo: create task: %w", err)
			}
			wait := time.Duration(attempt) * retryBackoffUnit
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).
				Msg("tripo: task request failed, retrying")
			if err := sleepCtx(ctx, wait); err != nil {
				return "", err
			}
			continue
		}
		env, raw, decodeErr := decodeEnvelope(resp)
		if decodeErr != nil {
			return "", decodeErr
		}
		if env.Code != 0 || env.Data.TaskID == "" {
			c.logger.Error().Int("code", env.Code).Str("message", env.Message).
				Str("raw", raw).Msg("tripo: task creation failed")
			return "", fmt.Errorf("%w: code=%d %s", ErrTaskRejected, env.Code, env.Message)
		}
		return env.Data.TaskID, nil
	}
	return "", fmt.Errorf("tripo: create task: %w", lastErr)
}

// UploadImage sends image bytes as a single multipart upload and returns the
// provider's opaque image token. The upload is not retried: it is not known
// to be idempotent-safe.
func (c *Client) UploadImage(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", SanitizeFilename(filename, contentType))
	if err != nil {
		return "", fmt.Errorf("tripo: build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("tripo: write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("tripo: close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/sts", &buf)
	if err != nil {
		return "", fmt.Errorf("tripo: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tripo: upload image: %w", err)
	}
	env, raw, decodeErr := decodeEnvelope(resp)
	if decodeErr != nil {
		return "", decodeErr
	}
	if env.Code != 0 || env.Data.ImageToken == "" {
		c.logger.Error().Int("code", env.Code).Str("raw", raw).Msg("tripo: upload failed")
		return "", fmt.Errorf("%w: code=%d %s", ErrUploadRejected, env.Code, env.Message)
	}
	return env.Data.ImageToken, nil
}

// FetchStatus performs a single status fetch for a task. It never retries;
// retry and backoff policy for polling belongs to the orchestrator.
func (c *Client) FetchStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+taskID, nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("tripo: build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("tripo: fetch status: %w", err)
	}
	env, _, decodeErr := decodeEnvelope(resp)
	if decodeErr != nil {
		return TaskStatus{}, decodeErr
	}
	if env.Code != 0 {
		// A business-level rejection on an existing task is final.
		return TaskStatus{State: StateFailed, Raw: env.Data.Status}, nil
	}

	switch env.Data.Status {
	case "success":
		status := TaskStatus{State: StateSuccess, Raw: env.Data.Status}
		if r := env.Data.Result; r != nil {
			status.ModelURL = firstNonEmpty(refURL(r.PBRModel), r.Model, r.ModelURL)
			status.PreviewURL = firstNonEmpty(refURL(r.RenderedImage), r.PreviewImage, r.PreviewURL, r.GeneratedImage)
		}
		return status, nil
	case "banned", "ban":
		return TaskStatus{State: StateBanned, Raw: env.Data.Status}, nil
	case "failed", "failure":
		return TaskStatus{State: StateFailed, Raw: env.Data.Status}, nil
	case "running", "pending", "queued":
		return TaskStatus{State: StateRunning, Raw: env.Data.Status}, nil
	default:
		return TaskStatus{State: StateUnknown, Raw: env.Data.Status}, nil
	}
}

// GetBalance reports the remaining provider credit.
func (c *Client) GetBalance(ctx context.Context) (Balance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/balance", nil)
	if err != nil {
		return Balance{}, fmt.Errorf("tripo: build balance request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Balance{}, fmt.Errorf("tripo: fetch balance: %w", err)
	}
	env, _, decodeErr := decodeEnvelope(resp)
	if decodeErr != nil {
		return Balance{}, decodeErr
	}
	if env.Code != 0 {
		return Balance{}, fmt.Errorf("tripo: balance request failed: code=%d %s", env.Code, env.Message)
	}
	return Balance{Balance: env.Data.Balance, Frozen: env.Data.Frozen}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func decodeEnvelope(resp *http.Response) (*envelope, string, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("tripo: read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, string(raw), fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &env, string(raw), nil
}

// IsTransientError reports whether err is one of the narrowly-defined
// transport failures worth retrying: connect timeout, connection reset or a
// broken socket. Validation failures and malformed bodies are never
// transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFilename reduces a user-supplied filename to a safe charset,
// inferring an extension from the content type when the name has none.
func SanitizeFilename(filename, contentType string) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(filename), "_")
	if name == "" {
		name = "upload"
	}
	if strings.Contains(name, ".") {
		return name
	}
	ext := extensionForContentType(contentType)
	if ext == "" {
		ext = ".png"
	}
	return name + ext
}

func extensionForContentType(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}

func refURL(r *urlRef) string {
	if r == nil {
		return ""
	}
	return r.URL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"modelforge/internal/domain"
	"modelforge/internal/infra"
	"modelforge/internal/middleware"
	"modelforge/internal/orchestrator"
	"modelforge/internal/provider/tripo"
)

type memUserRepo struct {
	users map[string]*domain.User
}

func (r *memUserRepo) Create(_ context.Context, u *domain.User) error {
	for _, existing := range r.users {
		if existing.Email == u.Email {
			return domain.ErrDuplicateEmail
		}
	}
	copied := *u
	r.users[u.ID] = &copied
	return nil
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memUserRepo) List(_ context.Context) ([]domain.User, error) {
	var out []domain.User
	for _, u := range r.users {
		out = append(out, *u)
	}
	return out, nil
}

func (r *memUserRepo) Update(_ context.Context, u *domain.User) error {
	if _, ok := r.users[u.ID]; !ok {
		return domain.ErrNotFound
	}
	copied := *u
	r.users[u.ID] = &copied
	return nil
}

func (r *memUserRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.users[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

type memJobRepo struct {
	jobs map[string]*domain.Job
}

func (r *memJobRepo) Create(_ context.Context, j *domain.Job) error {
	copied := *j
	r.jobs[j.ID] = &copied
	return nil
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (r *memJobRepo) ListByOwner(_ context.Context, ownerID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		if j.OwnerID == ownerID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (r *memJobRepo) SetProviderTask(_ context.Context, jobID, taskID string, nextPollAt time.Time) error {
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.ProviderTaskID = taskID
	j.Status = domain.JobStatusProcessing
	at := nextPollAt
	j.NextPollAt = &at
	return nil
}

func (r *memJobRepo) UpdateStatus(_ context.Context, jobID string, status domain.JobStatus) error {
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	return nil
}

func (r *memJobRepo) Complete(_ context.Context, jobID, assetPath, previewPath string) error {
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobStatusCompleted
	j.ResultAssetPath = assetPath
	j.ResultPreviewPath = previewPath
	return nil
}

func (r *memJobRepo) Reschedule(_ context.Context, jobID string, at time.Time) error {
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	when := at
	j.NextPollAt = &when
	return nil
}

func (r *memJobRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *memJobRepo) ClaimDue(_ context.Context, _ int, _ time.Duration) ([]domain.Job, error) {
	return nil, nil
}

type stubProvider struct{}

func (stubProvider) CreateTask(_ context.Context, _ tripo.CreateTaskInput) (string, error) {
	return "task-1", nil
}

func (stubProvider) UploadImage(_ context.Context, _ []byte, _, _ string) (string, error) {
	return "token-1", nil
}

func (stubProvider) FetchStatus(_ context.Context, _ string) (tripo.TaskStatus, error) {
	return tripo.TaskStatus{State: tripo.StateRunning}, nil
}

type stubStore struct{}

func (stubStore) Configured() bool { return false }

func (stubStore) UploadBytes(_ context.Context, _, _, _ string, _ []byte, _ string) (string, error) {
	return "", domain.ErrStorageNotConfigured
}

func (stubStore) UploadSource(_ context.Context, _, _, _, _ string) (string, error) {
	return "", domain.ErrStorageNotConfigured
}

func newTestApp(t *testing.T) (*App, *memUserRepo, *memJobRepo) {
	t.Helper()
	users := &memUserRepo{users: make(map[string]*domain.User)}
	jobs := &memJobRepo{jobs: make(map[string]*domain.Job)}
	orch := orchestrator.New(orchestrator.Options{
		Jobs:     jobs,
		Provider: stubProvider{},
		Store:    stubStore{},
		Logger:   zerolog.Nop(),
	})
	app := &App{
		Cfg:          &infra.Config{JWTSecret: "handler-test-secret"},
		Logger:       zerolog.Nop(),
		Users:        users,
		Jobs:         jobs,
		Orchestrator: orch,
	}
	return app, users, jobs
}

func seedUser(t *testing.T, users *memUserRepo, id, email, password string, role domain.UserRole) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users.users[id] = &domain.User{
		ID:           id,
		Email:        email,
		Name:         "Test User",
		PasswordHash: string(hash),
		Role:         role,
	}
}

func asUser(req *http.Request, userID string, role domain.UserRole) *http.Request {
	return req.WithContext(middleware.ContextWithIdentity(req.Context(), userID, string(role)))
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestLogin(t *testing.T) {
	app, users, _ := newTestApp(t)
	seedUser(t, users, "u1", "owner@example.com", "s3cret", domain.RoleUser)

	body := `{"email":"owner@example.com","password":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a token")
	}
	if resp.User.Email != "owner@example.com" {
		t.Fatalf("user = %+v", resp.User)
	}
	claims, err := middleware.VerifyToken("handler-test-secret", resp.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("token subject = %q", claims.Subject)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	app, users, _ := newTestApp(t)
	seedUser(t, users, "u1", "owner@example.com", "s3cret", domain.RoleUser)

	bodies := []string{
		`{"email":"owner@example.com","password":"wrong"}`,
		`{"email":"nobody@example.com","password":"s3cret"}`,
	}
	var messages []string
	for _, body := range bodies {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		app.Login(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		messages = append(messages, rec.Body.String())
	}
	if messages[0] != messages[1] {
		t.Fatalf("wrong password and unknown email must look identical: %q vs %q", messages[0], messages[1])
	}
}

func TestCreateJob(t *testing.T) {
	app, _, jobs := newTestApp(t)

	body := `{"title":"Vase","input_kind":"TEXT","input_payload":"a ceramic vase","quality":"high"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body)), "u1", domain.RoleUser)
	rec := httptest.NewRecorder()
	app.CreateJob(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Job jobResponse `json:"job"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Job.Status != "PROCESSING" || resp.Job.OwnerID != "u1" {
		t.Fatalf("job = %+v", resp.Job)
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("stored jobs = %d", len(jobs.jobs))
	}
}

func TestCreateJobValidation(t *testing.T) {
	app, _, jobs := newTestApp(t)

	body := `{"title":"","input_kind":"TEXT","input_payload":"x"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body)), "u1", domain.RoleUser)
	rec := httptest.NewRecorder()
	app.CreateJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(jobs.jobs) != 0 {
		t.Fatal("invalid request must not create a job")
	}
}

func TestGetJobOwnership(t *testing.T) {
	app, _, jobs := newTestApp(t)
	jobs.jobs["j1"] = &domain.Job{ID: "j1", OwnerID: "u1", Title: "Vase", Status: domain.JobStatusProcessing}

	cases := []struct {
		name   string
		caller string
		role   domain.UserRole
		want   int
	}{
		{"owner", "u1", domain.RoleUser, http.StatusOK},
		{"other user", "u2", domain.RoleUser, http.StatusNotFound},
		{"admin", "admin-1", domain.RoleAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := asUser(httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil), tc.caller, tc.role)
			req = withURLParam(req, "id", "j1")
			rec := httptest.NewRecorder()
			app.GetJob(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestDeleteJob(t *testing.T) {
	app, _, jobs := newTestApp(t)
	jobs.jobs["j1"] = &domain.Job{ID: "j1", OwnerID: "u1", Status: domain.JobStatusProcessing}

	req := asUser(httptest.NewRequest(http.MethodDelete, "/api/jobs/j1", nil), "u1", domain.RoleUser)
	req = withURLParam(req, "id", "j1")
	rec := httptest.NewRecorder()
	app.DeleteJob(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(jobs.jobs) != 0 {
		t.Fatal("job must be removed")
	}
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	app, users, _ := newTestApp(t)
	seedUser(t, users, "admin-1", "admin@example.com", "pw", domain.RoleAdmin)

	req := asUser(httptest.NewRequest(http.MethodDelete, "/api/admin/users/admin-1", nil), "admin-1", domain.RoleAdmin)
	req = withURLParam(req, "id", "admin-1")
	rec := httptest.NewRecorder()
	app.AdminDeleteUser(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(users.users) != 1 {
		t.Fatal("account must survive")
	}
}

func TestAdminCreateUserDuplicateEmail(t *testing.T) {
	app, users, _ := newTestApp(t)
	seedUser(t, users, "u1", "taken@example.com", "pw", domain.RoleUser)

	body := `{"name":"Again","email":"taken@example.com","password":"pw2"}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/admin/users", strings.NewReader(body)), "admin-1", domain.RoleAdmin)
	rec := httptest.NewRecorder()
	app.AdminCreateUser(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestMe(t *testing.T) {
	app, users, _ := newTestApp(t)
	seedUser(t, users, "u1", "owner@example.com", "pw", domain.RoleUser)

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), "u1", domain.RoleUser)
	rec := httptest.NewRecorder()
	app.Me(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// A deleted account's still-valid token must not authenticate.
	req = asUser(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil), "ghost", domain.RoleUser)
	rec = httptest.NewRecorder()
	app.Me(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

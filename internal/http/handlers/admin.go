package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"modelforge/internal/domain"
)

const bcryptCost = 12

type createUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type updateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AdminListUsers returns every account, newest first.
func (a *App) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Users.List(r.Context())
	if err != nil {
		a.domainError(w, r, err, "listing failed")
		return
	}
	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, publicUser(&users[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"users": out})
}

// AdminCreateUser provisions a new account.
func (a *App) AdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		a.error(w, http.StatusBadRequest, "name, email and password are required")
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		a.error(w, http.StatusBadRequest, "invalid role")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		a.domainError(w, r, err, "user creation failed")
		return
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := a.Users.Create(r.Context(), user); err != nil {
		a.domainError(w, r, err, "user creation failed")
		return
	}
	a.json(w, http.StatusCreated, map[string]any{"user": publicUser(user)})
}

// AdminUpdateUser edits an account; password is only changed when provided.
func (a *App) AdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	user, err := a.Users.GetByID(r.Context(), userID)
	if err != nil {
		a.domainError(w, r, err, "lookup failed")
		return
	}

	if req.Name != "" {
		user.Name = req.Name
	}
	if req.Email != "" {
		user.Email = req.Email
	}
	if req.Role != "" {
		role, ok := parseRole(req.Role)
		if !ok {
			a.error(w, http.StatusBadRequest, "invalid role")
			return
		}
		user.Role = role
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
		if err != nil {
			a.domainError(w, r, err, "user update failed")
			return
		}
		user.PasswordHash = string(hash)
	}

	if err := a.Users.Update(r.Context(), user); err != nil {
		a.domainError(w, r, err, "user update failed")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"user": publicUser(user)})
}

// AdminDeleteUser removes an account; the user's jobs cascade away with it.
func (a *App) AdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == a.currentUserID(r) {
		a.error(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := a.Users.Delete(r.Context(), userID); err != nil {
		a.domainError(w, r, err, "deletion failed")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

// AdminProviderBalance reports the remaining generation credit.
func (a *App) AdminProviderBalance(w http.ResponseWriter, r *http.Request) {
	if a.Provider == nil {
		a.error(w, http.StatusServiceUnavailable, "provider is not configured")
		return
	}
	balance, err := a.Provider.GetBalance(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("balance fetch failed")
		a.error(w, http.StatusBadGateway, "could not fetch provider balance")
		return
	}
	a.json(w, http.StatusOK, balance)
}

func parseRole(role string) (domain.UserRole, bool) {
	switch role {
	case "", string(domain.RoleUser):
		return domain.RoleUser, true
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}

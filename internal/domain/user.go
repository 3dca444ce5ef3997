package domain

import "time"

// UserRole enumerates account roles.
type UserRole string

const (
	RoleAdmin UserRole = "ADMIN"
	RoleUser  UserRole = "USER"
)

// User is an account record. PasswordHash is a bcrypt digest and is never
// serialized to callers.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         UserRole
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrValidation           = errors.New("validation failed")
	ErrDuplicateEmail       = errors.New("email already in use")
	ErrProviderFailure      = errors.New("provider failure")
	ErrStorageNotConfigured = errors.New("storage not configured")
	ErrUnparseableAssetPath = errors.New("unparseable asset path")
)

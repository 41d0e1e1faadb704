// Package common defines shared constants and sentinel errors used across
// AuthKeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Auth errors. ErrInvalidCredentials covers unknown identifier and
	// wrong password alike; ErrInvalidToken covers not-found, revoked,
	// used, expired and orphaned tokens alike. The caller must not be
	// able to tell the collapsed cases apart.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserInactive       = errors.New("user account is not active")
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyVerified    = errors.New("email already verified")

	// Rate limiting.
	ErrRateLimited = errors.New("too many attempts")
)

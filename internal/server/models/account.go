// Package models holds the persistent row shapes of the auth core.
package models

import "time"

// Account is a registered user account. PasswordHash is always a bcrypt
// hash, never the plaintext. Active must be true for any token-issuing
// operation to succeed.
type Account struct {
	ID            string
	Email         string
	PasswordHash  string
	Role          Role
	Active        bool
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

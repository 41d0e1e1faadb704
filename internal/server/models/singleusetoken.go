package models

import "time"

// SingleUseToken is the shared row shape for email-verification and
// password-reset tokens. Used transitions false to true exactly once,
// atomically with the side effect the token authorizes.
type SingleUseToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

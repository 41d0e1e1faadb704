package models

import "time"

// RefreshToken is the stored form of an opaque refresh token. Only the
// SHA-256 hash of the token is kept; the raw value exists solely on the
// client. Once Revoked flips to true the row is permanently unusable.
type RefreshToken struct {
	ID         string
	AccountID  string
	TokenHash  string
	ExpiresAt  time.Time
	Revoked    bool
	DeviceInfo string
	CreatedAt  time.Time
}

// Package auth mints and validates the tokens of the authentication flow:
// short-lived signed access tokens (JWT, HS256) and long-lived opaque
// refresh tokens. The package is stateless; persisting refresh-token hashes
// is the caller's job.
package auth

import (
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/security"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// refreshTokenBytes is the entropy of an opaque refresh token. 32 bytes
// encode to 64 hex characters.
const refreshTokenBytes = 32

// Claims carries the externally visible access-token claims: the standard
// set (sub, iat, exp, jti) plus the account role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenPayload is a decoded, validated access token.
type TokenPayload struct {
	AccountID string
	Role      models.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
}

// GenerateAccessToken signs an HS256 access token for the account with the
// given validity. Each token carries a unique jti.
func GenerateAccessToken(accountID string, role models.Role, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
			ID:        uuid.NewString(),
		},
		Role: role.String(),
	})

	return token.SignedString(secretKey)
}

// ParseAccessToken verifies signature and expiry and returns the decoded
// payload. Every failure mode (bad signature, expired, malformed payload,
// unknown role) collapses to common.ErrInvalidToken so callers cannot be
// used as an oracle. Attacker-controlled input never causes a panic.
func ParseAccessToken(tokenString string, secretKey []byte) (*TokenPayload, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, common.ErrInvalidToken
	}

	if claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, common.ErrInvalidToken
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return nil, common.ErrInvalidToken
	}

	return &TokenPayload{
		AccountID: claims.Subject,
		Role:      role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenID:   claims.ID,
	}, nil
}

// GenerateRefreshToken returns a new opaque refresh token: 32 random bytes,
// hex encoded. It is not a JWT and carries no structure. Callers store
// security.HashToken(token), never the raw value.
func GenerateRefreshToken() (string, error) {
	return security.MakeRandHexString(refreshTokenBytes)
}

// RefreshExpiry computes the expiry timestamp for a refresh token issued now.
func RefreshExpiry(now time.Time, validityDuration time.Duration) time.Time {
	return now.Add(validityDuration)
}

// Package security provides the credential and token primitives used by the
// auth service: bcrypt password hashing, cryptographically secure random
// tokens, and one-way token digests for storage.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a plaintext password with bcrypt using the given cost.
// A cost of 0 falls back to bcrypt.DefaultCost. The salt is generated per
// call by bcrypt itself. The plaintext is never logged.
func HashPassword(plain string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password against a stored bcrypt hash.
// A mismatch returns (false, nil); an error is returned only when the stored
// hash itself is malformed.
func VerifyPassword(plain string, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// MakeRandHexString generates a random hexadecimal string of the given size.
// The size parameter specifies the number of random bytes generated (from
// crypto/rand, never a general-purpose PRNG) before hex encoding, so the
// final string length is twice the size.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of an opaque token. The digest is
// deterministic and fixed-length (64 hex chars), which makes it usable as a
// unique index; the raw token is never stored.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// WipeByteArray overwrites the contents of the provided byte slice with
// zeros. Useful for removing plaintext credentials from memory after use.
// If the slice is nil, the function does nothing.
func WipeByteArray(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

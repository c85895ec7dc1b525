// Package middleware holds the HTTP gates and helpers shared by the proxy and
// admin listeners: readiness, client-key and bearer authentication, content
// negotiation, client IP resolution, CORS, panic recovery and request logging.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// ErrTokenMismatch is returned by [HashValidator] for a wrong token.
var ErrTokenMismatch = errors.New("token does not match")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash. Hex-encoded
// SHA-256 digests are accepted alongside bcrypt hashes.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}
	return sha256MatchesHash(expectedHash, apiKey)
}

func sha256MatchesHash(expectedHash, apiKey string) bool {
	expected, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}
	actual := sha256.Sum256([]byte(apiKey))
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, actual[:]) == 1
}

// HashValidator is a [TokenValidator] that accepts a single token matching
// Hash and reports Subject on success.
type HashValidator struct {
	Hash    string
	Subject string
}

// ValidateToken implements [TokenValidator].
func (v HashValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if v.Hash == "" || !APIKeyMatchesHash(v.Hash, token) {
		return "", ErrTokenMismatch
	}
	return v.Subject, nil
}

package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/matt-riley/flagz-proxy/internal/middleware"
)

const (
	argonMemory      = 64 * 1024 // 64 MB
	argonIterations  = 4
	argonParallelism = 4
	argonSaltLength  = 16
	argonKeyLength   = 32

	argonPrefix = "$argon2id$"

	// Subject is reported for requests authenticated with the admin token.
	Subject = "admin"
)

var errInvalidHash = errors.New("invalid argon2id hash")

// HashToken hashes an admin token using Argon2id in PHC string format:
// $argon2id$v=19$m=65536,t=4,p=4$<salt>$<hash>
func HashToken(token string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(token), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argonPrefix, argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyToken reports whether token matches an Argon2id PHC hash.
func VerifyToken(token, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: version %q", errInvalidHash, parts[2])
	}

	var (
		memory      uint32
		iterations  uint32
		parallelism uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("%w: params %q", errInvalidHash, parts[3])
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(token), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// TokenValidator checks bearer tokens against ADMIN_TOKEN_HASH. Argon2id PHC
// hashes are verified here; bcrypt and sha256 hex digests are delegated to
// [middleware.HashValidator].
type TokenValidator struct {
	Hash string
}

// ValidateToken implements [middleware.TokenValidator].
func (v TokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if !strings.HasPrefix(v.Hash, argonPrefix) {
		return middleware.HashValidator{Hash: v.Hash, Subject: Subject}.ValidateToken(ctx, token)
	}
	ok, err := VerifyToken(token, v.Hash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", middleware.ErrTokenMismatch
	}
	return Subject, nil
}

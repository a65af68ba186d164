// Package limiter throttles password sign-in attempts per email and client.
package limiter

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"
)

// Limiter controls sign-in attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a sign-in is currently allowed and optional retry-after.
	Allow(ctx context.Context, email string, client []byte) (bool, time.Duration, error)
	// Success resets counters after a successful sign-in.
	Success(ctx context.Context, email string, client []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, email string, client []byte) (bool, time.Duration, error)
}

// HashClient returns a stable hash for a client key (address, hostname) so raw values are never stored.
func HashClient(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}

// NormalizeEmail is the key form used for counters.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

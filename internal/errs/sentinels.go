// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across backend/service layers.
var (
	// ErrNotFound indicates the requested document, identity or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary sign-in lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoSession indicates an operation that needs a signed-in principal ran without one.
	ErrNoSession = errors.New("no session")

	// ErrNoProfile indicates the coordinator has no current profile loaded.
	ErrNoProfile = errors.New("no current profile")

	// ErrAlreadyReserved indicates the listing is already in the profile's trips.
	ErrAlreadyReserved = errors.New("listing already reserved")

	// ErrListenFailed indicates a realtime listener could not be registered.
	ErrListenFailed = errors.New("listen failed")
)

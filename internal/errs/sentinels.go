// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., the (id, version) row is taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrBadFormat indicates a malformed manifest or downloaded bytes that fail checksum validation.
	ErrBadFormat = errors.New("bad format")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable indicates a capability (store, download service) cannot be used right now.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidArgument indicates a request that fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRateLimited indicates too many failed authentication attempts from one peer.
	ErrRateLimited = errors.New("rate limited")
)

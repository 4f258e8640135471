// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrTokenInvalid indicates the access token matches no resource.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired indicates the access token's resource is past its window.
	ErrTokenExpired = errors.New("token expired")

	// ErrResourceGone indicates the resource behind a known token no longer exists.
	ErrResourceGone = errors.New("resource gone")

	// ErrEntryConflict indicates an attempt to change an already-final entry.
	ErrEntryConflict = errors.New("entry conflict")

	// ErrResourceComplete indicates a mutation against a completed resource.
	ErrResourceComplete = errors.New("resource complete")

	// ErrUnknownKey indicates an entry key outside the resource's required set.
	ErrUnknownKey = errors.New("unknown entry key")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication on the admin surface.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageUnavailable indicates a transient storage failure; callers may
	// retry with the same idempotent payload.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

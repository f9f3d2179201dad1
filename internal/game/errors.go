package game

import "errors"

var (
	// ErrInvalidInput rejects a malformed request before any state is touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized means the session token is missing, unknown or expired.
	ErrUnauthorized = errors.New("unauthorized")

	ErrNotFound = errors.New("not found")

	// ErrTransient wraps persistence failures; the caller may retry.
	ErrTransient = errors.New("temporarily unavailable")
)

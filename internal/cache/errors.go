package cache

import "errors"

var (
	// ErrNotFound is returned when a cursor anchor does not resolve to a
	// cached chunk. Callers usually fall back to a recent cursor.
	ErrNotFound = errors.New("cursor anchor not found")
	// ErrTimeout is returned when cache setup exceeds its bound.
	ErrTimeout      = errors.New("cache setup timed out")
	ErrClosed       = errors.New("cache is closed")
	ErrCursorClosed = errors.New("cursor is closed")
	ErrAlreadyOpen  = errors.New("cache is already open")
	// ErrNotInitialized is returned by cursor updates before Init.
	ErrNotInitialized = errors.New("cursor is not initialized")
)

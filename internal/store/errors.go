package store

import "errors"

var (
	// ErrNotInitialized indicates an operation ran before Initialize succeeded.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrNotFound indicates the referenced prompt is absent or soft-deleted.
	ErrNotFound = errors.New("prompt not found")

	// ErrDuplicateID indicates an Insert with an id that already exists.
	ErrDuplicateID = errors.New("duplicate prompt id")

	// ErrRowDecode indicates a stored row failed to decode into a Prompt.
	ErrRowDecode = errors.New("row decode failed")
)

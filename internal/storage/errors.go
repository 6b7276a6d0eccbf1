package storage

import "errors"

var (
	// ErrNotFound is returned when a requested run does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrExists is returned when creating a run whose id is already taken.
	ErrExists = errors.New("storage: already exists")
)

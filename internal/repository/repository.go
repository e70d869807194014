// Package repository holds the errors shared by the store implementations.
package repository

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateKeyValue = errors.New("duplicate key value")
	// ErrStateConflict is returned when a conditional job update finds the
	// job in a state other than the expected ones.
	ErrStateConflict = errors.New("job state conflict")
)

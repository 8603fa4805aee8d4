package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness violation or a lost compare-and-swap.
	ErrConflict = errors.New("repository: conflict")
)

// ConflictError names the field whose uniqueness constraint was violated.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	if e.Field == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s on %s", ErrConflict.Error(), e.Field)
}

// Is reports ErrConflict as a match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

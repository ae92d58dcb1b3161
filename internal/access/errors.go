package access

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a violated precondition in caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a reference to a user, role, municipality or permission that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a duplicate unique value.
	ErrConflict = errors.New("resource conflict")
	// ErrStorage marks a failed transaction or lost connectivity. The matrix is left untouched.
	ErrStorage = errors.New("storage failure")
)

// StorageError wraps err as ErrStorage unless it already carries a domain error.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

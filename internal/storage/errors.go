package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every repository implementation. Handlers map
// these onto HTTP statuses; everything else is treated as an internal fault.
var (
	// ErrNotFound covers both "does not exist" and "exists but is owned by
	// someone else". Collapsing the two prevents slug probing from leaking
	// which assets exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when an authenticated user lacks the
	// entitlement an operation requires.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation is wrapped around malformed-input failures such as bad
	// name characters, disallowed extensions, or out-of-range TTLs.
	ErrValidation = errors.New("validation failed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsForbidden reports whether err wraps ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsValidation reports whether err wraps ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationDenied is returned when no active, sufficient grant
	// exists for the user. It is terminal for an attempt: the user must
	// re-grant, so no retry is consumed.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrInvalidGrantBound is returned when a grant request carries a
	// non-positive spending bound or expiry.
	ErrInvalidGrantBound = errors.New("grant bound must be positive")
)

// ValidationError reports a malformed or missing field on an incoming
// request. Validation failures are rejected synchronously; nothing is
// scheduled.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

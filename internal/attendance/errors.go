package attendance

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the session manager and record reconciler.
// Handlers map these to HTTP statuses; the distinction matters to students
// (expired means ask for a refresh, invalid means re-scan).
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrCodeExpired     = errors.New("attendance code expired")
	ErrCodeInvalid     = errors.New("attendance code invalid")
	ErrRecordNotFound  = errors.New("attendance record not found")
	ErrGeoUnavailable  = errors.New("location unavailable")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

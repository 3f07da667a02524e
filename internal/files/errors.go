package files

import "errors"

// ErrNotFound reports an unknown job, resource or transcript.
var ErrNotFound = errors.New("not found")

// ValidationError rejects client input before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

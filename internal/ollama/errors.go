package ollama

import (
	"errors"
	"fmt"
)

// ModelNotFoundError means the requested model is not in the backend catalog.
// Never retried.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found", e.Model)
}

// ConnectionError wraps transport failures and non-success backend statuses.
// Transport-level occurrences are retried with backoff before one of these
// surfaces.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ollama connection error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("ollama connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsModelNotFound reports whether err is a ModelNotFoundError.
func IsModelNotFound(err error) bool {
	var target *ModelNotFoundError
	return errors.As(err, &target)
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

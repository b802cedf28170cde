package ml

import (
	"errors"
	"fmt"
	"time"
)

// MissingFeatureError is returned by Assemble when a column has no value.
type MissingFeatureError struct {
	Column string
}

func (e *MissingFeatureError) Error() string {
	return fmt.Sprintf("missing feature column %q", e.Column)
}

// InferenceUnavailableError is returned when no model is loaded.
type InferenceUnavailableError struct {
	Reason string
}

func (e *InferenceUnavailableError) Error() string {
	if e.Reason != "" {
		return "Model not loaded: " + e.Reason
	}
	return "Model not loaded"
}

// ErrSessionsBusy means every inference session stayed checked out for the
// whole acquire timeout.
var ErrSessionsBusy = errors.New("all inference sessions busy")

// InferenceError represents a failed model invocation.
type InferenceError struct {
	Op        string    // Operation that failed
	ModelName string    // Model file the engine was built from
	InputIdx  int       // Row index within the request (-1 if N/A)
	Cause     error     // Underlying error
	Retryable bool      // Whether the caller may retry
	Timestamp time.Time // When the error occurred
}

func (e *InferenceError) Error() string {
	if e.InputIdx >= 0 {
		return fmt.Sprintf("%s failed for row[%d] on model %s: %v", e.Op, e.InputIdx, e.ModelName, e.Cause)
	}
	return fmt.Sprintf("%s failed on model %s: %v", e.Op, e.ModelName, e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var infErr *InferenceError
	if errors.As(err, &infErr) {
		return infErr.Retryable
	}
	return false
}

// IsUnavailable reports whether err means no model is loaded.
func IsUnavailable(err error) bool {
	var unavailable *InferenceUnavailableError
	return errors.As(err, &unavailable)
}

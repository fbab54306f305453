// Package miroerr provides error types shared between packages.
package miroerr

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError wraps an error of an operation that failed temporarily,
// e.g. because the GitHub API rate limit was exceeded.
// miro does not retry operations itself, the error type is used to report
// the condition to the webhook sender.
type RetryableError struct {
	Err error
	// After is the earliest point in time the operation can succeed,
	// the zero value means it is unknown.
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}

// IsRetryable returns true if err wraps a RetryableError.
// The returned time is RetryableError.After.
func IsRetryable(err error) (bool, time.Time) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return true, retryErr.After
	}

	return false, time.Time{}
}

package miroerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	after := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	err := fmt.Errorf("merging failed: %w", NewRetryableError(errors.New("rate limited"), after))

	retryable, at := IsRetryable(err)
	assert.True(t, retryable)
	assert.Equal(t, after, at)

	retryable, at = IsRetryable(errors.New("error"))
	assert.False(t, retryable)
	assert.True(t, at.IsZero())
}

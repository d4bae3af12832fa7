package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("samples", 403, "forbidden")
	assert.Contains(t, err.Error(), "samples")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "samples", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("samples", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("samples", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewAPIError("samples", 503, "unavailable")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(ErrUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))

	assert.False(t, IsRetryable(NewAPIError("samples", 401, "unauth")))
	assert.False(t, IsRetryable(NewAPIError("samples", 404, "not found")))
	assert.False(t, IsRetryable(ErrAuthFailure))
	assert.False(t, IsRetryable(ErrMalformedResponse))
}

func TestSentinelErrors(t *testing.T) {
	assert.True(t, errors.Is(fmt.Errorf("merge: %w", ErrNotReady), ErrNotReady))
	assert.False(t, errors.Is(ErrTimeout, ErrAuthFailure))
}

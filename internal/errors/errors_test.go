package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestControllerError_Error(t *testing.T) {
	err := NewError(ErrCodeEmptyPool, "selector", "backend pool is empty")
	assert.Equal(t, "[EMPTY_POOL] selector: backend pool is empty", err.Error())

	wrapped := WrapError(fmt.Errorf("connection reset"), ErrCodeInternalError, "path_resolver", "publish failed")
	assert.Equal(t, "[INTERNAL_ERROR] path_resolver: publish failed: connection reset", wrapped.Error())
}

func TestControllerError_IsMatchesByCode(t *testing.T) {
	err := NewPathResolutionTimeoutError("00-00-00-00-00-01", "00-00-00-00-00-03", 3*time.Second)
	wrapped := fmt.Errorf("flow setup: %w", err)

	assert.True(t, errors.Is(wrapped, ErrPathResolutionTimeout))
	assert.False(t, errors.Is(wrapped, ErrPathNotFound))
	assert.Equal(t, ErrCodePathResolutionTimeout, GetErrorCode(wrapped))
}

func TestControllerError_Unwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := NewSwitchUnavailableError("00-00-00-00-00-02", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrSwitchUnavailable))
	assert.Equal(t, "00-00-00-00-00-02", err.Metadata["dpid"])
}

func TestGetErrorCode_PlainError(t *testing.T) {
	assert.Equal(t, ErrCodeInternalError, GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{NewEmptyPoolError(), false},
		{NewUnknownHostLocationError("10.0.0.9"), false},
		{NewUnknownAdjacencyError("1", "2"), true},
		{NewPathNotFoundError("1", "2"), false},
		{NewPathResolutionTimeoutError("1", "2", time.Second), true},
		{NewSwitchUnavailableError("1", nil), true},
	}

	for _, tt := range tests {
		t.Run(string(GetErrorCode(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "x", "y"))
}

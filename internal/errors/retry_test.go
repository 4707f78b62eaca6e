package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return NewInvalidFormat("path", "bad path")
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 1, calls)
}

func TestRetryWithResultGivesUp(t *testing.T) {
	calls := 0
	out, err := RetryWithResult(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		return "", &TransientError{Err: errors.New("timeout")}
	})
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 4, calls)
}

func TestRetryWithResultHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, fastRetry(), func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{&TransientError{Err: errors.New("x")}, ErrorTypeTransient},
		{FromHTTPStatus(503, nil), ErrorTypeTransient},
		{FromHTTPStatus(400, nil), ErrorTypePermanent},
		{errors.New("plain"), ErrorTypePermanent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GetErrorType(tt.err), tt.err.Error())
	}
	assert.Equal(t, "transient", ErrorTypeTransient.String())
}

package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

func newTestBreaker(config *types.CircuitBreakerConfig) *CircuitBreaker {
	return NewCircuitBreaker(config, logger.NewZapWrapper(zap.NewNop()), "http://remote")
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := newTestBreaker(nil)

	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.GetStateString())

	// Recording has no effect while disabled.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  time.Hour,
		HalfOpenRequests: 1,
	})

	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, "closed", cb.GetStateString())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenRequests: 1,
	})

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()

	assert.Equal(t, "closed", cb.GetStateString())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Nanosecond,
		HalfOpenRequests: 2,
	})

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())

	// The recovery timeout has elapsed; the next probe flips half-open.
	time.Sleep(time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.GetStateString())

	cb.RecordSuccess()
	assert.Equal(t, "half-open", cb.GetStateString())
	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetStateString())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Nanosecond,
		HalfOpenRequests: 2,
	})

	cb.RecordFailure()
	time.Sleep(time.Millisecond)
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		HalfOpenRequests: 1,
	})

	cb.RecordFailure()
	assert.False(t, cb.CanExecute())

	cb.Reset()
	assert.Equal(t, "closed", cb.GetStateString())
	assert.True(t, cb.CanExecute())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(503, nil))
	assert.True(t, IsRetryableError(429, nil))
	assert.True(t, IsRetryableError(408, nil))
	assert.False(t, IsRetryableError(404, nil))
	assert.False(t, IsRetryableError(500, nil))
	assert.False(t, IsRetryableError(200, nil))

	assert.True(t, IsRetryableError(0, context.DeadlineExceeded))
	assert.False(t, IsRetryableError(0, errors.New("parse error")))
}

func TestIsSuccessfulResponse(t *testing.T) {
	assert.True(t, IsSuccessfulResponse(200, nil))
	assert.True(t, IsSuccessfulResponse(204, nil))
	assert.False(t, IsSuccessfulResponse(301, nil))
	assert.False(t, IsSuccessfulResponse(500, nil))
	assert.False(t, IsSuccessfulResponse(200, errors.New("network")))
}

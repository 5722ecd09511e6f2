package fetch

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerStopped
)

// CircuitBreaker guards the remote source. While open, fetches fail
// fast with ErrCircuitBreakerOpen and the freshness evaluator falls
// back to stale values.
type CircuitBreaker struct {
	config    *types.CircuitBreakerConfig
	logger    types.Logger
	remote    string
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.RWMutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, remote string) *CircuitBreaker {
	if config == nil || !config.Enabled {
		cb := &CircuitBreaker{
			config: &types.CircuitBreakerConfig{Enabled: false},
			logger: logger,
			remote: remote,
		}
		cb.state.Store(StateBreakerStopped)
		return cb
	}

	cb := &CircuitBreaker{
		config: config,
		logger: logger,
		remote: remote,
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil || !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		return true
	case StateBreakerOpen:
		if time.Since(time.Unix(cb.lastFail.Load(), 0)) > cb.config.RecoveryTimeout {
			cb.transitionToHalfOpen()
			return true
		}
		return false
	case StateBreakerHalfOpen:
		return true
	case StateBreakerStopped:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("remote", cb.remote),
			zap.Int32("successes", successes),
			zap.Int("required", cb.config.HalfOpenRequests))

		if successes >= int32(cb.config.HalfOpenRequests) {
			cb.transitionToClosed()
		}
	default:
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(time.Now().Unix())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		failures := cb.failures.Add(1)
		cb.logger.Debug("Failure recorded in closed state",
			zap.String("remote", cb.remote),
			zap.Int32("failures", failures),
			zap.Int("threshold", cb.config.FailureThreshold))

		if failures >= int32(cb.config.FailureThreshold) {
			cb.transitionToOpen()
		}
	case StateBreakerHalfOpen:
		cb.transitionToOpen()
	default:
	}
}

func (cb *CircuitBreaker) GetStateString() string {
	if cb == nil || !cb.config.Enabled {
		return "disabled"
	}

	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil || !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.getStateUnsafe() == StateBreakerStopped {
		return
	}

	cb.transitionToClosed()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("remote", cb.remote))
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	state := cb.state.Load()
	if state == nil {
		return StateBreakerClosed
	}
	return state.(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionState(from, to CircuitBreakerState) bool {
	return cb.state.CompareAndSwap(from, to)
}

func (cb *CircuitBreaker) transitionToClosed() {
	if cb.transitionState(cb.getStateUnsafe(), StateBreakerClosed) {
		cb.failures.Store(0)
		cb.successes.Store(0)
		cb.lastFail.Store(0)
		cb.logger.Info("Circuit breaker closed", zap.String("remote", cb.remote))
	}
}

func (cb *CircuitBreaker) transitionToOpen() {
	if cb.transitionState(cb.getStateUnsafe(), StateBreakerOpen) {
		cb.successes.Store(0)
		cb.logger.Warn("Circuit breaker opened",
			zap.String("remote", cb.remote),
			zap.Int32("failures", cb.failures.Load()),
			zap.Int("threshold", cb.config.FailureThreshold))
	}
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	if cb.transitionState(cb.getStateUnsafe(), StateBreakerHalfOpen) {
		cb.successes.Store(0)
		cb.logger.Info("Circuit breaker transitioned to half-open",
			zap.String("remote", cb.remote))
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNABORTED) ||
			errors.Is(opErr.Err, syscall.EHOSTUNREACH) ||
			errors.Is(opErr.Err, syscall.ENETUNREACH) {
			return true
		}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	return false
}

func IsRetryableError(statusCode int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

func IsSuccessfulResponse(statusCode int, err error) bool {
	if err != nil {
		return false
	}
	return statusCode >= 200 && statusCode < 300
}

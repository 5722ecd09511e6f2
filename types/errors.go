package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrEntryNotFound   = errors.New("entry not found")
	ErrEntryCorrupted  = errors.New("entry corrupted")
	ErrEntryKeyEmpty   = errors.New("entry key empty")
	ErrStoreIsDisabled = errors.New("entry store is disabled")
	ErrTierTypeUnknown = errors.New("persistent tier type unknown")
	ErrTierUnavailable = errors.New("persistent tier unavailable")
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

var (
	ErrFetchFailed        = errors.New("fetch failed")
	ErrStaleServed        = errors.New("stale value served")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrFetcherIsNil       = errors.New("fetcher is nil")
)

var (
	ErrSyncFailed       = errors.New("sync failed")
	ErrSyncIsDisabled   = errors.New("sync coordinator is disabled")
	ErrSyncRetryExhausted = errors.New("sync retry budget exhausted")
)

var (
	ErrHydrationFailed    = errors.New("hydration failed")
	ErrHydrationCancelled = errors.New("hydration cancelled")
)

var (
	ErrPolicyInvalid    = errors.New("policy invalid")
	ErrTriggerUnknown   = errors.New("invalidation trigger unknown")
)

var (
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronJobFailed         = errors.New("cron job failed")
)

var (
	ErrEventsNotInitialized = errors.New("events not initialized")
	ErrEventsPublishFailed  = errors.New("events publish failed")
	ErrEventsConfigInvalid  = errors.New("events config invalid")
	ErrEventsIsRunning      = errors.New("events broker is running")
)

var (
	ErrMetricsIsDisabled = errors.New("metrics manager is disabled")
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
)

var (
	ErrLogFileIsEmpty     = errors.New("log file is empty")
	ErrLogFileWrongFormat = errors.New("log file wrong format")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrHealthIsNotRunning   = errors.New("health monitor is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidState     = errors.New("invalid state")
	ErrContextCancelled = errors.New("context cancelled")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewError(message string) error {
	return errors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

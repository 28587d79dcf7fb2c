package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/pkg/domain"
	"github.com/aescanero/rowflow/pkg/graph"
)

// Retry defaults applied to unset fields of graph.RetrySettings.
const (
	DefaultRetryInitialDelay = 100 * time.Millisecond
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultRetryMultiplier   = 2.0
	DefaultRetryJitter       = 0.5
)

// RetryManager runs an operation with bounded exponential backoff and
// jitter.
type RetryManager struct {
	settings graph.RetrySettings
	timer    backoff.Timer
	logger   *zap.Logger
	onRetry  func(attempt int, err error, delay time.Duration)
}

// RetryOption configures a RetryManager.
type RetryOption func(*RetryManager)

// WithRetryTimer replaces the timer used to wait between attempts.
func WithRetryTimer(timer backoff.Timer) RetryOption {
	return func(r *RetryManager) { r.timer = timer }
}

// WithRetryNotify is called before each wait.
func WithRetryNotify(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(r *RetryManager) { r.onRetry = fn }
}

// NewRetryManager creates a retry manager. MaxAttempts below one means a
// single attempt.
func NewRetryManager(settings graph.RetrySettings, logger *zap.Logger, opts ...RetryOption) *RetryManager {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.InitialDelay <= 0 {
		settings.InitialDelay = DefaultRetryInitialDelay
	}
	if settings.MaxDelay <= 0 {
		settings.MaxDelay = DefaultRetryMaxDelay
	}
	if settings.Multiplier < 1 {
		settings.Multiplier = DefaultRetryMultiplier
	}
	if settings.Jitter < 0 || settings.Jitter > 1 {
		settings.Jitter = DefaultRetryJitter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &RetryManager{settings: settings, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxAttempts is the bound on operation invocations.
func (r *RetryManager) MaxAttempts() int { return r.settings.MaxAttempts }

// ExecuteWithRetry invokes op until it succeeds, fails with an error
// isRetryable rejects, or MaxAttempts invocations have failed. A
// non-retryable failure is returned as is; exhaustion is reported as a
// *domain.MaxRetriesExceededError wrapping the last failure.
func (r *RetryManager) ExecuteWithRetry(ctx context.Context, op func(attempt int) error, isRetryable func(error) bool) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.settings.InitialDelay
	policy.MaxInterval = r.settings.MaxDelay
	policy.Multiplier = r.settings.Multiplier
	policy.RandomizationFactor = r.settings.Jitter
	policy.MaxElapsedTime = 0
	policy.Reset()

	var (
		attempts  int
		lastErr   error
		permanent bool
	)
	operation := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		r.logger.Debug("retrying operation",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", r.settings.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if r.onRetry != nil {
			r.onRetry(attempts, err, delay)
		}
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.settings.MaxAttempts-1)), ctx)
	err := backoff.RetryNotifyWithTimer(operation, bounded, notify, r.timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	default:
		return &domain.MaxRetriesExceededError{Attempts: attempts, Last: lastErr}
	}
}

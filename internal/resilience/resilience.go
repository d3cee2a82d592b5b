// Package resilience is the generic retry/backoff harness applied around any
// fallible operation against the target UI. It is stateless across calls:
// every Run builds a fresh backoff schedule, so one wrapper instance may be
// shared by concurrent sessions.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Class is the failure classification consumed by the retry loop.
type Class int

const (
	// Transient failures are retried with exponential backoff.
	Transient Class = iota
	// Permanent failures abort immediately without retry.
	Permanent
)

// Classifier maps a failure to Transient or Permanent. A nil classifier
// treats every failure as transient.
type Classifier func(error) Class

// Policy specifies the retry behavior for one operation class.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Classify    Classifier
}

// Operation is any fallible unit of work.
type Operation func(ctx context.Context) error

// ExhaustedError reports that every attempt allowed by the policy failed.
// It carries the last underlying failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Run executes op under the policy. On a permanent failure the underlying
// error is returned as-is after a single attempt; on exhaustion the result
// is an *ExhaustedError wrapping the last failure.
func Run(ctx context.Context, logger *zap.Logger, op Operation, policy Policy) error {
	return RunWithTimer(ctx, logger, op, policy, nil)
}

// RunWithTimer is Run with an injectable backoff timer. Tests supply a fake
// timer to observe the exact delay schedule without sleeping.
func RunWithTimer(ctx context.Context, logger *zap.Logger, op Operation, policy Policy, timer backoff.Timer) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("resilience: policy.MaxAttempts must be positive, got %d", policy.MaxAttempts)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseDelay
	expo.Multiplier = policy.Multiplier
	expo.MaxInterval = policy.MaxDelay
	// Attempt count bounds the loop; elapsed time does not.
	expo.MaxElapsedTime = 0
	// Deterministic schedule: min(base * multiplier^(n-1), max). Jitter is
	// permitted by the contract but not required, and determinism keeps the
	// timing testable.
	expo.RandomizationFactor = 0
	expo.Reset()

	var schedule backoff.BackOff = backoff.WithContext(expo, ctx)
	schedule = backoff.WithMaxRetries(schedule, uint64(policy.MaxAttempts-1))

	attempts := 0
	var lastErr error

	wrapped := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		class := Transient
		if policy.Classify != nil {
			class = policy.Classify(err)
		}
		if class == Permanent {
			logger.Debug("Permanent failure, aborting retries.",
				zap.Int("attempt", attempts), zap.Error(err))
			return backoff.Permanent(err)
		}
		logger.Debug("Transient failure, will retry.",
			zap.Int("attempt", attempts), zap.Int("max_attempts", policy.MaxAttempts), zap.Error(err))
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.Debug("Backing off before next attempt.",
			zap.Duration("delay", next), zap.Error(err))
	}

	err := backoff.RetryNotifyWithTimer(wrapped, schedule, notify, timer)
	if err == nil {
		return nil
	}

	// Context cancellation surfaces directly so callers can distinguish a
	// cancelled transaction from a genuinely exhausted operation.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Permanent failures come back unwrapped from the backoff loop; return
	// them untouched so errors.Is/As keep working on the original.
	if lastErr != nil && policy.Classify != nil && policy.Classify(lastErr) == Permanent {
		return lastErr
	}

	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

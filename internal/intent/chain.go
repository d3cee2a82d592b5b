// File: internal/intent/chain.go
package intent

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Chain holds an ordered list of strategies and tries them in order until one
// reports Succeeded. NotApplicable results are skipped without counting as
// failures. The chain itself never errors on a single strategy; it errors
// only when every strategy exhausts.
type Chain struct {
	logger     *zap.Logger
	strategies []Strategy
	limiter    *rate.Limiter
	// perStrategy bounds each individual attempt; ceiling bounds the whole
	// chain execution regardless of how many strategies get a turn.
	perStrategy time.Duration
	ceiling     time.Duration
}

// ChainOption customizes a Chain.
type ChainOption func(*Chain)

// WithRateLimit paces intent execution. The legacy terminal drops inputs
// when they arrive faster than its render loop.
func WithRateLimit(perSecond float64) ChainOption {
	return func(c *Chain) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithTimeouts overrides the per-strategy timeout and the overall ceiling.
func WithTimeouts(perStrategy, ceiling time.Duration) ChainOption {
	return func(c *Chain) {
		c.perStrategy = perStrategy
		c.ceiling = ceiling
	}
}

// NewChain builds a chain over the given strategies, tried strictly in order.
func NewChain(logger *zap.Logger, strategies []Strategy, opts ...ChainOption) *Chain {
	c := &Chain{
		logger:      logger.Named("chain"),
		strategies:  strategies,
		perStrategy: 3 * time.Second,
		ceiling:     15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute drives the intent through the strategy chain. On success the
// result records every attempt made, in order. On total failure the returned
// error is an *AllFailedError; the UI may still have been partially mutated
// (a focus change, a half-open menu), which callers verify and tolerate.
func (c *Chain) Execute(ctx context.Context, in Intent) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	chainCtx, cancel := context.WithTimeout(ctx, c.ceiling)
	defer cancel()

	log := c.logger.With(zap.Stringer("intent", in))
	result := Result{Outcome: Failed}

	for _, strategy := range c.strategies {
		if err := chainCtx.Err(); err != nil {
			return result, err
		}

		attemptCtx, cancelAttempt := context.WithTimeout(chainCtx, c.perStrategy)
		outcome, err := strategy.Attempt(attemptCtx, in)
		cancelAttempt()

		result.Attempts = append(result.Attempts, Attempt{
			Strategy: strategy.Name(),
			Outcome:  outcome,
			Err:      err,
		})

		switch outcome {
		case Succeeded:
			log.Debug("Strategy succeeded.",
				zap.String("strategy", strategy.Name()),
				zap.Int("attempts", len(result.Attempts)))
			result.Outcome = Succeeded
			return result, nil
		case NotApplicable:
			log.Debug("Strategy not applicable, skipping.",
				zap.String("strategy", strategy.Name()))
		default:
			log.Debug("Strategy failed, escalating.",
				zap.String("strategy", strategy.Name()), zap.Error(err))
		}
	}

	return result, &AllFailedError{Intent: in, Attempts: result.Attempts}
}

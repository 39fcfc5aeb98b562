package taskerr

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy names a backoff curve. Stored on tasks as backoff_strategy.
type Strategy string

const (
	// StrategyExponentialJitter - min(base·2^(attempt-1), cap) · jitter[0.5,1.5].
	StrategyExponentialJitter Strategy = "exponential_jitter"
	// StrategyFixed - the base delay every time.
	StrategyFixed Strategy = "fixed"
	// StrategyNone - no delay between attempts.
	StrategyNone Strategy = "none"
)

// ParseStrategy validates a backoff strategy name. The empty string maps
// to the default exponential-with-jitter.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case "", StrategyExponentialJitter:
		return StrategyExponentialJitter, nil
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategyNone:
		return StrategyNone, nil
	default:
		return "", Validation("unknown backoff strategy %q", name)
	}
}

// Policy computes inter-attempt delays.
type Policy struct {
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration

	// rand overrides the jitter source in tests. Returns [0,1).
	rand func() float64
}

// DefaultPolicy is the shipped retry curve: 1s base, 60s cap,
// exponential with ±50% jitter.
func DefaultPolicy() Policy {
	return Policy{Strategy: StrategyExponentialJitter, Base: time.Second, Cap: 60 * time.Second}
}

// PolicyFor builds the policy for a task's backoff_strategy value.
func PolicyFor(strategy Strategy) Policy {
	p := DefaultPolicy()
	if strategy != "" {
		p.Strategy = strategy
	}
	return p
}

// ForAttempt returns the delay to sleep after the given failed attempt.
// attempt is 1-based: the delay after attempt 1 is Base, after attempt 2
// twice that, and so on up to Cap, all scaled by jitter in [0.5, 1.5).
func (p Policy) ForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	capDelay := p.Cap
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}

	switch p.Strategy {
	case StrategyNone:
		return 0
	case StrategyFixed:
		return base
	}

	multiplier := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(base) * multiplier)
	if delay > capDelay || delay <= 0 {
		delay = capDelay
	}

	random := p.rand
	if random == nil {
		random = rand.Float64
	}
	jitter := 0.5 + random() // uniform in [0.5, 1.5)
	return time.Duration(float64(delay) * jitter)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn up to maxAttempts times, sleeping the policy delay
// between transient failures. Permanent failures return immediately.
// Used for store bookkeeping, not for pipeline attempts (those record a
// TaskRun per attempt and live in the worker).
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if err := Sleep(ctx, policy.ForAttempt(attempt)); err != nil {
			return fmt.Errorf("retry canceled: %w", lastErr)
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

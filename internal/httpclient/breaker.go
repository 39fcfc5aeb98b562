package httpclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

// ErrOpen is wrapped into errors returned while a circuit is rejecting
// requests. Callers treat it as a retryable condition.
var ErrOpen = errors.New("circuit open")

// BreakerState tracks where a circuit is in its recovery cycle.
type BreakerState int

const (
	// StateClosed allows all requests.
	StateClosed BreakerState = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe requests through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	Cooldown         time.Duration // open duration before probing again
}

// DefaultBreakerConfig returns the thresholds used for tool endpoints.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a per-endpoint circuit breaker. Callers that need to inspect
// the HTTP response gate with Allow and report the outcome with Mark.
type Breaker struct {
	name   string
	config BreakerConfig
	logger logging.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

func NewBreaker(name string, config BreakerConfig, logger logging.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logging.OrNop(logger),
	}
}

// Allow reports whether a request may proceed. An open circuit transitions
// to half-open once the cooldown has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		since := time.Since(b.lastFailure)
		if since >= b.config.Cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			b.logger.Info("breaker %s half-open, probing recovery", b.name)
			return nil
		}
		return fmt.Errorf("%w for %s, retry in %s", ErrOpen, b.name, (b.config.Cooldown - since).Round(time.Second))
	default:
		return fmt.Errorf("breaker %s in unknown state %d", b.name, b.state)
	}
}

// Mark records a request outcome. Pass nil for success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("breaker %s closed, endpoint recovered", b.name)
		}
	case StateOpen:
		// A success can land here when a request raced the transition.
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("breaker %s opened after %d consecutive failures", b.name, b.failures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		b.logger.Warn("breaker %s reopened, probe failed", b.name)
	case StateOpen:
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

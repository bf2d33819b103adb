package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-action circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	lastFail  time.Time
	probes    int
	threshold int
	cooldown  time.Duration
	probeMax  int
}

// Breakers holds one circuit breaker per action name.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set of breakers sharing config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: time.Now}
}

// Allow returns nil if a call to action may proceed, or a CIRCUIT_OPEN error.
func (b *Breakers) Allow(action string) error {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.lastFail)
		if elapsed >= cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for action %q after %d consecutive failures", action, cb.failures).
			WithDetails(map[string]any{
				"action":               action,
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (cb.cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= cb.probeMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for action %q: probe in flight", action)
		}
		cb.probes++
	}
	return nil
}

// Success closes the circuit for action.
func (b *Breakers) Success(action string) {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// Failure counts a failed call and returns the resulting state.
// Any failure while half-open reopens the circuit.
func (b *Breakers) Failure(action string) CircuitState {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFail = b.now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// Release returns a half-open slot without judging the action, for calls that
// ended in an error that says nothing about the action's health.
func (b *Breakers) Release(action string) {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// State reports the current state of action's circuit.
func (b *Breakers) State(action string) CircuitState {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFail) >= cb.cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (b *Breakers) get(action string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[action]
	if !ok {
		cb = &breaker{
			threshold: b.config.FailureThreshold,
			cooldown:  b.config.Cooldown,
			probeMax:  b.config.HalfOpenMax,
		}
		b.breakers[action] = cb
	}
	return cb
}

// BreakingExecutor guards an inner executor with per-action circuit breakers.
type BreakingExecutor struct {
	inner    StepExecutor
	breakers *Breakers
}

// NewBreakingExecutor wraps inner with breakers.
func NewBreakingExecutor(inner StepExecutor, breakers *Breakers) *BreakingExecutor {
	return &BreakingExecutor{inner: inner, breakers: breakers}
}

func (e *BreakingExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if err := e.breakers.Allow(req.Action); err != nil {
		return nil, err
	}
	res, err := e.inner.Execute(ctx, req)
	switch {
	case err == nil:
		e.breakers.Success(req.Action)
	case errors.Is(err, context.Canceled),
		schema.HasCode(err, schema.ErrCodeValidation),
		schema.HasCode(err, schema.ErrCodeActionUnavailable):
		// Caller and configuration errors do not count against the action.
		e.breakers.Release(req.Action)
	default:
		e.breakers.Failure(req.Action)
	}
	return res, err
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rendis/flowcron/pkg/schema"
)

const (
	// FallbackAll registers a fallback response for every action.
	FallbackAll = "*"
	// DefaultFallbackResponse is the stock reply used when a host enables fallbacks without text.
	DefaultFallbackResponse = "I encountered an error. Please try rephrasing your request."
)

// RetryPolicy bounds the attempts made for one step.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns two retries with exponential backoff from 500ms capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// RetryingExecutor retries an inner executor on retryable failures.
type RetryingExecutor struct {
	inner     StepExecutor
	policy    RetryPolicy
	fallbacks map[string]string
	logger    *slog.Logger
}

// RetryOption configures a RetryingExecutor.
type RetryOption func(*RetryingExecutor)

// WithFallback returns response instead of an error when retries for action run out.
// Use FallbackAll as the action to cover every action.
func WithFallback(action, response string) RetryOption {
	return func(e *RetryingExecutor) {
		if response == "" {
			response = DefaultFallbackResponse
		}
		e.fallbacks[action] = response
	}
}

// WithRetryLogger sets the logger used for attempt failures.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(e *RetryingExecutor) { e.logger = l }
}

// NewRetryingExecutor wraps inner with policy.
func NewRetryingExecutor(inner StepExecutor, policy RetryPolicy, opts ...RetryOption) *RetryingExecutor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	e := &RetryingExecutor{
		inner:     inner,
		policy:    policy,
		fallbacks: make(map[string]string),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RetryingExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	maxRetries := e.policy.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	var (
		res      *Result
		attempts int
	)
	err := retry.Do(ctx, e.backoff(maxRetries), func(ctx context.Context) error {
		attempts++
		r, err := e.attempt(ctx, req)
		if err == nil {
			res = r
			return nil
		}
		e.logger.WarnContext(ctx, "step attempt failed",
			"action", req.Action, "attempt", attempts, "max_retries", maxRetries, "error", err)
		if ctx.Err() == nil && IsRetryableError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		code := schema.ErrCodeCancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "step %s interrupted: %v", req.Action, ctxErr).WithCause(err)
	}

	exhausted := IsRetryableError(err) || schema.HasCode(err, schema.ErrCodeCircuitOpen)
	if !exhausted {
		return nil, err
	}
	if fb, ok := e.fallback(req.Action); ok {
		e.logger.WarnContext(ctx, "step failed, using fallback response",
			"action", req.Action, "attempts", attempts, "error", err)
		return &Result{Output: fb}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted, "%s (gave up after %d attempts)", message(err), attempts).
		WithCause(err)
}

func (e *RetryingExecutor) attempt(ctx context.Context, req *Request) (*Result, error) {
	if e.policy.AttemptTimeout <= 0 {
		return e.inner.Execute(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	res, err := e.inner.Execute(actx, req)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "attempt timed out after %s", e.policy.AttemptTimeout).WithCause(err)
	}
	return res, err
}

func (e *RetryingExecutor) backoff(maxRetries int) retry.Backoff {
	var b retry.Backoff
	if e.policy.InitialDelay > 0 {
		b = retry.NewExponential(e.policy.InitialDelay)
		if e.policy.MaxDelay > 0 {
			b = retry.WithCappedDuration(e.policy.MaxDelay, b)
		}
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

func (e *RetryingExecutor) fallback(action string) (string, bool) {
	if fb, ok := e.fallbacks[action]; ok {
		return fb, true
	}
	fb, ok := e.fallbacks[FallbackAll]
	return fb, ok
}

// IsRetryableError classifies whether a step error should be retried.
// Cancellation is final and FlowErrors decide by code. Anything else, including
// per-attempt deadlines and network errors, is retried and left to the retry bound.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// message returns the human part of err without the code prefix.
func message(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return fmt.Sprint(err)
}

// Package executor runs a single workflow step against a named capability.
package executor

import (
	"context"

	"github.com/rendis/flowcron/pkg/schema"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Message is one entry of the conversation history carried across steps.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is everything a step needs to produce its output.
type Request struct {
	Name               string
	Description        string
	SystemInstructions string
	Tools              []string
	Action             string
	Parameters         schema.Parameters
	Input              string
	History            []Message

	// MaxRetries overrides the executor's retry bound when > 0.
	MaxRetries int
}

// Result is the output of a successful step.
type Result struct {
	Output            string
	IntermediateSteps []schema.AgentStep
}

// StepExecutor executes one step. Implementations must honor ctx cancellation.
type StepExecutor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a plain function to StepExecutor.
type Func func(ctx context.Context, req *Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req *Request) (*Result, error) { return f(ctx, req) }

// NewPipeline composes the standard executor: retries around per-action circuit
// breakers around registry dispatch. breakers may be nil.
func NewPipeline(reg *Registry, v ParamValidator, policy RetryPolicy, breakers *Breakers, opts ...RetryOption) StepExecutor {
	var inner StepExecutor = NewCapabilityExecutor(reg, v)
	if breakers != nil {
		inner = NewBreakingExecutor(inner, breakers)
	}
	return NewRetryingExecutor(inner, policy, opts...)
}

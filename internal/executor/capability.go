package executor

import (
	"context"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// ParamValidator checks step parameters against a capability's schema.
type ParamValidator interface {
	ValidateParams(params map[string]any, paramSchema []byte) error
}

// CapabilityExecutor resolves Request.Action in a Registry and runs it.
type CapabilityExecutor struct {
	registry  *Registry
	validator ParamValidator
}

// NewCapabilityExecutor creates a CapabilityExecutor. validator may be nil to skip
// parameter validation.
func NewCapabilityExecutor(registry *Registry, validator ParamValidator) *CapabilityExecutor {
	return &CapabilityExecutor{registry: registry, validator: validator}
}

func (e *CapabilityExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step request is nil")
	}
	c, err := e.registry.Get(req.Action)
	if err != nil {
		return nil, err
	}
	if e.validator != nil {
		if ps := c.ParamSchema(); len(ps) > 0 {
			if err := e.validator.ValidateParams(req.Parameters, ps); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Execute(ctx, req)
}

// capabilityFunc is a Capability built from a function.
type capabilityFunc struct {
	name   string
	schema []byte
	fn     Func
}

// NewCapability builds a Capability from a name, an optional parameter schema and a function.
func NewCapability(name string, paramSchema []byte, fn Func) Capability {
	return &capabilityFunc{name: name, schema: paramSchema, fn: fn}
}

func (c *capabilityFunc) Name() string        { return c.name }
func (c *capabilityFunc) ParamSchema() []byte { return c.schema }

func (c *capabilityFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return c.fn(ctx, req)
}

const echoSchema = `{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  }
}`

// Echo returns a capability that answers with its "message" parameter,
// or with the step input when no message is given.
func Echo() Capability {
	return NewCapability("echo", []byte(echoSchema), func(ctx context.Context, req *Request) (*Result, error) {
		out := req.Parameters.String("message")
		if out == "" {
			out = req.Input
		}
		return &Result{
			Output: out,
			IntermediateSteps: []schema.AgentStep{
				{Action: "echo", Result: out, Timestamp: time.Now().UTC()},
			},
		}, nil
	})
}

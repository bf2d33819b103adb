package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowcron/internal/executor"
	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/pkg/schema"
)

// Workflow config keys read when Options leave them unset.
const (
	configSystemInstructions = "system_instructions"
	configTools              = "tools"
)

// buildRequest resolves the step's templates and assembles the executor request.
// The returned history slice is a copy so executors cannot mutate run state.
func (e *Engine) buildRequest(ctx context.Context, wf *schema.Workflow, index int, step schema.WorkflowStep,
	state *RunState, scope *expressions.Scope, opts Options) (*executor.Request, error) {
	params, err := e.interp.Resolve(ctx, step.Parameters, scope)
	if err != nil {
		return nil, err
	}
	input, err := instruction(index, len(wf.Steps), step, params)
	if err != nil {
		return nil, err
	}

	system := opts.SystemInstructions
	if system == "" {
		system, _ = wf.Config[configSystemInstructions].(string)
	}
	tools := opts.Tools
	if len(tools) == 0 {
		tools = stringList(wf.Config[configTools])
	}

	return &executor.Request{
		Name:               step.Label(),
		Description:        wf.Description,
		SystemInstructions: system,
		Tools:              tools,
		Action:             step.Action,
		Parameters:         params,
		Input:              input,
		History:            append([]executor.Message(nil), state.History...),
		MaxRetries:         opts.MaxRetries,
	}, nil
}

// instruction renders the human turn for a step.
func instruction(index, total int, step schema.WorkflowStep, params schema.Parameters) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d of %d: %s\nAction: %s", index+1, total, step.Label(), step.Action)
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "encode parameters: %v", err).WithCause(err)
		}
		fmt.Fprintf(&b, "\nParameters: %s", raw)
	}
	return b.String(), nil
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

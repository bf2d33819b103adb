package expressions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/flowcron/pkg/schema"
)

const (
	openToken  = "${{"
	closeToken = "}}"
)

// Scope is the data a template can reference while a run is in progress.
//
//	steps.<id>.output   output text of a completed step
//	steps.<id>.index    its position in the workflow
//	workflow.id, workflow.name, workflow.run_id
type Scope struct {
	Steps    map[string]any
	Workflow map[string]any
}

// NewScope creates a scope for one run.
func NewScope(workflowID, workflowName, runID string) *Scope {
	return &Scope{
		Steps:    make(map[string]any),
		Workflow: map[string]any{"id": workflowID, "name": workflowName, "run_id": runID},
	}
}

// RecordStep makes a completed step's output visible to later templates.
func (s *Scope) RecordStep(id string, index int, output string) {
	s.Steps[id] = map[string]any{"output": output, "index": index}
}

func (s *Scope) data() map[string]any {
	return map[string]any{"steps": s.Steps, "workflow": s.Workflow}
}

// Interpolator resolves ${{ expr }} templates in step parameters. Each expr is a jq
// program run against the scope; a leading "." may be omitted.
type Interpolator struct {
	jq *JQ
}

// NewInterpolator creates an Interpolator backed by its own jq cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{jq: NewJQ()}
}

// Resolve returns a copy of params with every template replaced.
// A string that is exactly one template takes the expression's value with its JSON type;
// templates embedded in longer strings are spliced in as text.
func (in *Interpolator) Resolve(ctx context.Context, params schema.Parameters, scope *Scope) (schema.Parameters, error) {
	if len(params) == 0 {
		return params, nil
	}
	if scope == nil {
		scope = &Scope{}
	}
	data := scope.data()
	out := make(schema.Parameters, len(params))
	for k, v := range params {
		resolved, err := in.resolveValue(ctx, v, data)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (in *Interpolator) resolveValue(ctx context.Context, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return in.resolveString(ctx, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := in.resolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case schema.Parameters:
		return in.resolveValue(ctx, map[string]any(val), data)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := in.resolveValue(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (in *Interpolator) resolveString(ctx context.Context, s string, data map[string]any) (any, error) {
	if !strings.Contains(s, openToken) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openToken) && strings.HasSuffix(trimmed, closeToken) &&
		strings.Count(trimmed, openToken) == 1 {
		return in.eval(ctx, trimmed[len(openToken):len(trimmed)-len(closeToken)], data)
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, openToken)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		body := rest[start+len(openToken):]
		end := strings.Index(body, closeToken)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed %s in %q", openToken, s)
		}
		val, err := in.eval(ctx, body[:end], data)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		rest = body[end+len(closeToken):]
	}
	return b.String(), nil
}

func (in *Interpolator) eval(ctx context.Context, expr string, data map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty template expression")
	}
	if strings.Contains(expr, openToken) {
		return nil, schema.NewError(schema.ErrCodeValidation, "nested templates are not allowed")
	}
	if !strings.HasPrefix(expr, ".") && !strings.HasPrefix(expr, "$") {
		expr = "." + expr
	}
	return in.jq.Evaluate(ctx, expr, data)
}

// inline renders a value for splicing into surrounding text.
func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus is the authoring lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Workflow is an ordered, user-authored automation definition.
// Steps run in slice order; later steps may depend on the history produced by earlier ones.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps" validate:"dive"`
	Status      WorkflowStatus `json:"status" validate:"omitempty,oneof=draft active archived"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowStep is one unit of execution within a Workflow.
type WorkflowStep struct {
	ID         string     `json:"id" validate:"required"`
	Name       string     `json:"name"`
	Action     string     `json:"action" validate:"required"`
	Parameters Parameters `json:"parameters,omitempty"`
}

// Label returns the step name, falling back to its ID.
func (s WorkflowStep) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Parameters holds a step's structured arguments.
// Values are JSON-compatible (string, float64, bool, nil, []any, map[string]any).
type Parameters map[string]any

// String returns the string value for key, or "" if absent or not a string.
func (p Parameters) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Int returns the integer value for key. JSON numbers decode as float64, both are accepted.
func (p Parameters) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean value for key.
func (p Parameters) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Map returns a nested object value for key.
func (p Parameters) Map(key string) (map[string]any, bool) {
	v, ok := p[key].(map[string]any)
	return v, ok
}

// Clone returns a deep copy made through a JSON round-trip.
func (p Parameters) Clone() (Parameters, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	var out Parameters
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	return out, nil
}

// StepIndex returns the position of the step with the given ID, or -1.
func (w *Workflow) StepIndex(stepID string) int {
	for i, s := range w.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

package validation

import "github.com/rendis/flowcron/pkg/schema"

// WorkflowValidator runs the staged checks for a workflow:
// struct tags, then document shape, then action resolution.
// Each stage short-circuits the next.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip the action existence check.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup}, nil
}

func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if err := ValidateStruct(wf); err != nil {
		return err
	}
	if err := wv.jsonSchema.ValidateWorkflow(wf); err != nil {
		return err
	}
	if wv.actions == nil {
		return nil
	}
	for _, step := range wf.Steps {
		if !wv.actions.Has(step.Action) {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable, "step %q uses unknown action %q", step.ID, step.Action).
				WithStep(step.ID)
		}
	}
	return nil
}

func (wv *WorkflowValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	return wv.jsonSchema.ValidateParams(params, paramSchema)
}

package validation

import "github.com/rendis/flowcron/pkg/schema"

// Validator checks workflow definitions and step parameters before they are stored or run.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateParams(params map[string]any, paramSchema []byte) error
}

// ActionLookup reports whether a step action can be resolved at execution time.
type ActionLookup interface {
	Has(action string) bool
}

package engine

import "github.com/rendis/flowcron/pkg/schema"

// Event is one observable outcome of a run: StepCompleted, RunCompleted or RunFailed.
// State points at the live run state and must be treated as read-only.
type Event interface {
	State() *RunState
	isEvent()
}

// StepCompleted is yielded after step Index succeeded, before the next step begins.
type StepCompleted struct {
	Index  int
	Step   schema.WorkflowStep
	Result StepResult
	state  *RunState
}

// RunCompleted is yielded once after the last step, or immediately for a workflow with no steps.
type RunCompleted struct {
	state *RunState
}

// RunFailed is yielded once when a run ends in error. Err.Step is -1 for failures
// that happen before any step starts.
type RunFailed struct {
	Err   *RunError
	state *RunState
}

func (e StepCompleted) State() *RunState { return e.state }
func (e RunCompleted) State() *RunState  { return e.state }
func (e RunFailed) State() *RunState     { return e.state }

func (StepCompleted) isEvent() {}
func (RunCompleted) isEvent()  {}
func (RunFailed) isEvent()     {}

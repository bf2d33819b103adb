package engine

import (
	"encoding/json"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/rendis/flowcron/internal/executor"
	"github.com/rendis/flowcron/pkg/schema"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

const (
	triggerComplete = "complete"
	triggerFail     = "fail"
)

// StepResult is the outcome of one successful step.
type StepResult struct {
	Step      int              `json:"step"`
	StepID    string           `json:"step_id"`
	Result    *executor.Result `json:"result"`
	Timestamp time.Time        `json:"timestamp"`
}

// Payload renders the result in the persisted execution log shape.
func (r StepResult) Payload() (json.RawMessage, error) {
	p := schema.StepPayload{Timestamp: r.Timestamp}
	if r.Result != nil {
		p.Response = r.Result.Output
		p.IntermediateSteps = r.Result.IntermediateSteps
	}
	return json.Marshal(p)
}

// RunError is the terminal failure of a run. Step is -1 when the run failed before any step.
type RunError struct {
	Step      int       `json:"step"`
	StepID    string    `json:"step_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

func (e *RunError) Error() string { return e.Message }

func (e *RunError) Unwrap() error { return e.Err }

// RunState is the transient state of one run. It is created per attempt and never persisted
// directly; the scheduler persists projections of it from the engine's events.
type RunState struct {
	RunID       string             `json:"run_id"`
	WorkflowID  string             `json:"workflow_id"`
	History     []executor.Message `json:"history"`
	CurrentStep int                `json:"current_step"`
	Status      RunStatus          `json:"status"`
	StepResults []StepResult       `json:"step_results"`
	Error       *RunError          `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at,omitzero"`

	fsm *stateless.StateMachine
}

func newRunState(runID, workflowID string, now time.Time) *RunState {
	s := &RunState{
		RunID:       runID,
		WorkflowID:  workflowID,
		Status:      StatusRunning,
		StepResults: []StepResult{},
		StartedAt:   now,
	}
	fsm := stateless.NewStateMachine(StatusRunning)
	fsm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusError)
	fsm.Configure(StatusCompleted)
	fsm.Configure(StatusError)
	s.fsm = fsm
	return s
}

// Done reports whether the run reached a terminal status.
func (s *RunState) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

func (s *RunState) complete(now time.Time) error {
	if err := s.fire(triggerComplete); err != nil {
		return err
	}
	s.FinishedAt = now
	return nil
}

func (s *RunState) fail(runErr *RunError) error {
	if err := s.fire(triggerFail); err != nil {
		return err
	}
	s.Error = runErr
	s.FinishedAt = runErr.Timestamp
	return nil
}

func (s *RunState) fire(trigger string) error {
	if err := s.fsm.Fire(trigger); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s: cannot %s from %s", s.RunID, trigger, s.Status).
			WithCause(err)
	}
	s.Status = s.fsm.MustState().(RunStatus)
	return nil
}

// recordStep appends a successful step and advances current_step.
func (s *RunState) recordStep(r StepResult, instruction string) {
	s.History = append(s.History,
		executor.Message{Role: executor.RoleHuman, Content: instruction},
		executor.Message{Role: executor.RoleAI, Content: r.Result.Output},
	)
	s.StepResults = append(s.StepResults, r)
	s.CurrentStep++
}

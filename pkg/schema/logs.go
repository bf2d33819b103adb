package schema

import (
	"encoding/json"
	"time"
)

// LogStatus is the recorded outcome of a workflow execution log entry.
type LogStatus string

const (
	LogStatusPending   LogStatus = "pending"
	LogStatusRunning   LogStatus = "running"
	LogStatusCompleted LogStatus = "completed"
	LogStatusError     LogStatus = "error"
)

// ExecutionLog is a durable, append-only audit record of one step or run outcome.
// StepIndex is nil for run-level summary entries.
type ExecutionLog struct {
	ID            int64           `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	RunID         string          `json:"run_id,omitempty"`
	StepIndex     *int            `json:"step,omitempty"`
	StepID        string          `json:"step_id,omitempty"`
	Status        LogStatus       `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime time.Time       `json:"execution_time"`
}

// StepPayload is the JSON shape persisted as ExecutionLog.Result for a step.
type StepPayload struct {
	Response          string      `json:"response"`
	Timestamp         time.Time   `json:"timestamp"`
	IntermediateSteps []AgentStep `json:"intermediate_steps,omitempty"`
}

// AgentStep is one intermediate action taken by a Step Executor while producing a result.
type AgentStep struct {
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

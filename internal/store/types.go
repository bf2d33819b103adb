package store

import (
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// RunMetadata specifies the run bookkeeping fields to overwrite. Nil fields are left untouched.
// A non-nil LastError pointing at "" clears the column.
type RunMetadata struct {
	LastRun    *time.Time
	NextRun    *time.Time
	ErrorCount *int
	LastError  *string
}

// Outcome is the result of one execution attempt of a schedule.
type Outcome struct {
	Success bool
	Error   string
	At      time.Time
}

// Succeeded builds a successful Outcome.
func Succeeded(at time.Time) Outcome { return Outcome{Success: true, At: at} }

// Failed builds a failed Outcome carrying the error message.
func Failed(at time.Time, message string) Outcome {
	return Outcome{Error: message, At: at}
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Status     *schema.ScheduleStatus
	WorkflowID string
	Limit      int
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status    *schema.WorkflowStatus
	CreatedBy string
	Limit     int
}

// LogFilter specifies criteria for listing execution logs. Results are in append order.
type LogFilter struct {
	WorkflowID string
	ScheduleID string
	RunID      string
	Status     schema.LogStatus
	Limit      int
}

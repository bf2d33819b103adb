package store

import (
	"context"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// ScheduleStore is the durable table of schedules and their run bookkeeping.
// Every mutation is a single-record write; counters are updated atomically at the store.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error)

	// ListDueSchedules returns active schedules whose next_run is unset or not after now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*schema.Schedule, error)

	UpdateRunMetadata(ctx context.Context, id string, meta RunMetadata) error

	// IncrementErrorCount bumps error_count, stores message as last_error and returns the new count.
	IncrementErrorCount(ctx context.Context, id, message string) (int, error)

	// RecordOutcome resets the counter on success or increments it on failure, in one write.
	RecordOutcome(ctx context.Context, id string, outcome Outcome) (int, error)

	UpdateScheduleStatus(ctx context.Context, id string, status schema.ScheduleStatus) error

	// ClaimSchedule takes a lease on the schedule for owner until now+ttl.
	// It returns false when another owner holds an unexpired lease.
	ClaimSchedule(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSchedule(ctx context.Context, id, owner string) error

	DeleteSchedule(ctx context.Context, id string) error
}

// WorkflowStore holds workflow definitions. Read-only to the scheduler and engine.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionLogStore is the append-only audit log of step and run outcomes.
type ExecutionLogStore interface {
	AppendExecutionLog(ctx context.Context, log *schema.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, filter LogFilter) ([]*schema.ExecutionLog, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	ScheduleStore
	WorkflowStore
	ExecutionLogStore

	Migrate(ctx context.Context) error
	Close() error
}

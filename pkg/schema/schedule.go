package schema

import "time"

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
	ScheduleStatusError  ScheduleStatus = "error"
)

// Valid reports whether s is a known schedule status.
func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleStatusActive, ScheduleStatusPaused, ScheduleStatusError:
		return true
	}
	return false
}

// ScheduleConfig is the typed per-schedule execution policy.
type ScheduleConfig struct {
	// MaxRetries bounds Step Executor retries for this schedule's runs.
	// Zero means the executor default. It is also the exhaustion threshold for error_count.
	MaxRetries int `json:"max_retries,omitempty" validate:"gte=0,lte=100"`
	// Timeout is the per-run timeout in seconds. Zero disables it.
	Timeout int `json:"timeout,omitempty" validate:"gte=0"`
	// Notifications publishes run outcomes on the notification bus.
	Notifications bool `json:"notifications,omitempty"`
}

// TimeoutDuration converts Timeout to a time.Duration.
func (c ScheduleConfig) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	return time.Duration(c.Timeout) * time.Second
}

// Schedule is a recurring trigger bound to one Workflow with its own error bookkeeping.
type Schedule struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Cron        string         `json:"schedule"`
	Status      ScheduleStatus `json:"status"`
	Config      ScheduleConfig `json:"config"`
	ErrorCount  int            `json:"error_count"`
	LastError   string         `json:"last_error,omitempty"`
	LastRun     *time.Time     `json:"last_run,omitempty"`
	NextRun     *time.Time     `json:"next_run,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsDue reports whether the schedule should run at now.
// A schedule without next_run is treated as overdue.
func (s *Schedule) IsDue(now time.Time) bool {
	if s.Status != ScheduleStatusActive {
		return false
	}
	return s.NextRun == nil || !s.NextRun.After(now)
}

// HasExceededMaxRetries reports whether error_count is past config.max_retries.
// Schedules without a max_retries bound never exceed it.
func (s *Schedule) HasExceededMaxRetries() bool {
	return s.Config.MaxRetries > 0 && s.ErrorCount > s.Config.MaxRetries
}

// CreateScheduleInput is the user-supplied payload for a new schedule.
type CreateScheduleInput struct {
	WorkflowID  string         `json:"workflow_id" validate:"required"`
	Name        string         `json:"name" validate:"required,max=200"`
	Description string         `json:"description,omitempty"`
	Cron        string         `json:"schedule" validate:"required,cron"`
	Config      ScheduleConfig `json:"config"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

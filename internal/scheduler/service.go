package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/validation"
	"github.com/rendis/flowcron/pkg/schema"
)

// CreateSchedule validates input and stores a new active schedule with its first next_run.
func (s *Scheduler) CreateSchedule(ctx context.Context, input schema.CreateScheduleInput) (*schema.Schedule, error) {
	if err := validation.ValidateStruct(input); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorkflow(ctx, input.WorkflowID); err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s does not exist", input.WorkflowID).WithCause(err)
		}
		return nil, fmt.Errorf("resolve workflow %s: %w", input.WorkflowID, err)
	}

	now := s.now()
	next, err := validation.NextRun(input.Cron, now)
	if err != nil {
		return nil, err
	}

	sch := &schema.Schedule{
		ID:          uuid.NewString(),
		WorkflowID:  input.WorkflowID,
		Name:        input.Name,
		Description: input.Description,
		Cron:        input.Cron,
		Status:      schema.ScheduleStatusActive,
		Config:      input.Config,
		NextRun:     &next,
		Metadata:    input.Metadata,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.InfoContext(ctx, "schedule created",
		slog.String("schedule_id", sch.ID),
		slog.String("workflow_id", sch.WorkflowID),
		slog.Time("next_run", next),
	)
	return sch, nil
}

// UpdateScheduleStatus moves a schedule between active, paused and error.
// Reactivating a schedule clears its error bookkeeping and recomputes next_run from now,
// so runs missed while it was inactive are not replayed.
func (s *Scheduler) UpdateScheduleStatus(ctx context.Context, id string, status schema.ScheduleStatus) error {
	if !status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown schedule status %q", status)
	}
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("get schedule %s: %w", id, err)
	}
	if sch.Status == status {
		return nil
	}

	if status == schema.ScheduleStatusActive {
		next, err := validation.NextRun(sch.Cron, s.now())
		if err != nil {
			return err
		}
		zero, cleared := 0, ""
		meta := store.RunMetadata{NextRun: &next}
		if sch.Status == schema.ScheduleStatusError {
			meta.ErrorCount = &zero
			meta.LastError = &cleared
		}
		if err := s.store.UpdateRunMetadata(ctx, id, meta); err != nil {
			return fmt.Errorf("reset schedule %s: %w", id, err)
		}
	}
	if err := s.store.UpdateScheduleStatus(ctx, id, status); err != nil {
		return fmt.Errorf("update schedule %s status: %w", id, err)
	}
	s.logger.InfoContext(ctx, "schedule status changed",
		slog.String("schedule_id", id),
		slog.String("from", string(sch.Status)),
		slog.String("to", string(status)),
	)
	return nil
}

// DeleteSchedule removes a schedule. Its execution logs are kept.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/notify"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tracing"
	"github.com/rendis/flowcron/internal/validation"
	"github.com/rendis/flowcron/pkg/schema"
)

// runSchedule claims one schedule, executes its workflow and records the outcome.
// Failures are logged and land in the schedule's error bookkeeping; nothing is returned to the pass.
func (s *Scheduler) runSchedule(ctx context.Context, sch *schema.Schedule, now time.Time) *Report {
	rep := &Report{ScheduleID: sch.ID, Status: sch.Status}
	if !s.tryAcquire(sch.ID) {
		rep.Skipped = true
		return rep
	}
	defer s.release(sch.ID)

	ctx = logging.WithWorkflowID(logging.WithScheduleID(ctx, sch.ID), sch.WorkflowID)
	log := logging.LogWith(ctx, s.logger)
	// Bookkeeping writes must land even when the run itself was cancelled.
	bg := context.WithoutCancel(ctx)

	claimed, err := s.store.ClaimSchedule(ctx, sch.ID, s.cfg.Owner, now, s.cfg.ClaimTTL)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim schedule", slog.String("error", err.Error()))
		s.finish(bg, sch, rep, store.Failed(s.now(), "claim schedule: "+err.Error()))
		return rep
	}
	if !claimed {
		log.DebugContext(ctx, "schedule claimed by another owner")
		rep.Skipped = true
		return rep
	}
	defer func() {
		if err := s.store.ReleaseSchedule(bg, sch.ID, s.cfg.Owner); err != nil {
			log.WarnContext(ctx, "failed to release schedule claim", slog.String("error", err.Error()))
		}
	}()

	rep.RunID = uuid.NewString()
	ctx = logging.WithRunID(ctx, rep.RunID)
	ctx, span := tracing.StartSpan(ctx, s.tracer, "scheduler.run",
		tracing.ScheduleIDKey.String(sch.ID),
		tracing.WorkflowIDKey.String(sch.WorkflowID),
		tracing.RunIDKey.String(rep.RunID),
	)
	defer span.End()
	log = logging.LogWith(ctx, s.logger)
	log.InfoContext(ctx, "running scheduled workflow", slog.String("schedule", sch.Name))

	meta := store.RunMetadata{LastRun: &now}
	next, cronErr := validation.NextRun(sch.Cron, now)
	if cronErr == nil {
		meta.NextRun = &next
	}
	if err := s.store.UpdateRunMetadata(bg, sch.ID, meta); err != nil {
		log.ErrorContext(ctx, "failed to record run metadata", slog.String("error", err.Error()))
	}
	if cronErr != nil {
		s.finish(bg, sch, rep, store.Failed(s.now(), cronErr.Error()))
		tracing.SetError(span, cronErr)
		return rep
	}

	wf, err := s.store.GetWorkflow(ctx, sch.WorkflowID)
	if err != nil {
		msg := fmt.Sprintf("resolve workflow %s: %v", sch.WorkflowID, err)
		s.appendLog(bg, &schema.ExecutionLog{
			WorkflowID: sch.WorkflowID,
			ScheduleID: sch.ID,
			RunID:      rep.RunID,
			Status:     schema.LogStatusError,
			Error:      msg,
		})
		s.finish(bg, sch, rep, store.Failed(s.now(), msg))
		tracing.SetError(span, err)
		return rep
	}

	runCtx := ctx
	if timeout := sch.Config.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opts := engine.Options{RunID: rep.RunID, ScheduleID: sch.ID, MaxRetries: sch.Config.MaxRetries}
	for ev := range s.runner.Run(runCtx, wf, opts) {
		rep.State = ev.State()
		s.appendLog(bg, eventLog(sch, wf, rep.RunID, ev))
	}

	var outcome store.Outcome
	switch {
	case rep.State == nil:
		outcome = store.Failed(s.now(), "run produced no events")
	case rep.State.Status == engine.StatusCompleted:
		outcome = store.Succeeded(s.now())
	case rep.State.Error != nil:
		outcome = store.Failed(s.now(), rep.State.Error.Message)
	default:
		outcome = store.Failed(s.now(), fmt.Sprintf("run ended in status %s", rep.State.Status))
	}
	if !outcome.Success {
		tracing.SetError(span, errors.New(outcome.Error))
	}
	s.finish(bg, sch, rep, outcome)
	return rep
}

// finish records the outcome, applies the exhaustion policy and publishes a notification.
func (s *Scheduler) finish(ctx context.Context, sch *schema.Schedule, rep *Report, outcome store.Outcome) {
	log := logging.LogWith(ctx, s.logger)
	rep.Success = outcome.Success
	rep.Error = outcome.Error

	count, err := s.store.RecordOutcome(ctx, sch.ID, outcome)
	if err != nil {
		log.ErrorContext(ctx, "failed to record run outcome", slog.String("error", err.Error()))
		return
	}
	rep.ErrorCount = count

	if outcome.Success {
		log.InfoContext(ctx, "scheduled workflow completed")
	} else {
		log.WarnContext(ctx, "scheduled workflow failed",
			slog.String("error", outcome.Error),
			slog.Int("error_count", count),
		)
	}

	if !outcome.Success && s.cfg.MarkErrorOnExhaustion && sch.Config.MaxRetries > 0 && count > sch.Config.MaxRetries {
		if err := s.store.UpdateScheduleStatus(ctx, sch.ID, schema.ScheduleStatusError); err != nil {
			log.ErrorContext(ctx, "failed to mark schedule as errored", slog.String("error", err.Error()))
		} else {
			rep.Status = schema.ScheduleStatusError
			log.WarnContext(ctx, "schedule exceeded max retries and was marked as error",
				slog.Int("max_retries", sch.Config.MaxRetries))
		}
	}

	if s.notifier == nil || !(s.cfg.Notifications || sch.Config.Notifications) {
		return
	}
	status := notify.StatusCompleted
	if !outcome.Success {
		status = notify.StatusError
	}
	err = s.notifier.Publish(ctx, notify.Outcome{
		ScheduleID:     sch.ID,
		WorkflowID:     sch.WorkflowID,
		RunID:          rep.RunID,
		Status:         status,
		Error:          outcome.Error,
		ErrorCount:     count,
		ScheduleStatus: rep.Status,
		Timestamp:      outcome.At,
	})
	if err != nil {
		log.WarnContext(ctx, "failed to publish run outcome", slog.String("error", err.Error()))
	}
}

// eventLog projects an engine event onto an execution log entry.
func eventLog(sch *schema.Schedule, wf *schema.Workflow, runID string, ev engine.Event) *schema.ExecutionLog {
	entry := &schema.ExecutionLog{WorkflowID: wf.ID, ScheduleID: sch.ID, RunID: runID}
	switch e := ev.(type) {
	case engine.StepCompleted:
		idx := e.Index
		entry.StepIndex = &idx
		entry.StepID = e.Step.ID
		entry.Status = schema.LogStatusCompleted
		entry.ExecutionTime = e.Result.Timestamp
		if payload, err := e.Result.Payload(); err == nil {
			entry.Result = payload
		}
	case engine.RunFailed:
		if e.Err.Step >= 0 {
			idx := e.Err.Step
			entry.StepIndex = &idx
		}
		entry.StepID = e.Err.StepID
		entry.Status = schema.LogStatusError
		entry.Error = e.Err.Message
		entry.ExecutionTime = e.Err.Timestamp
	case engine.RunCompleted:
		entry.Status = schema.LogStatusCompleted
		entry.ExecutionTime = e.State().FinishedAt
	default:
		return nil
	}
	return entry
}

func (s *Scheduler) appendLog(ctx context.Context, entry *schema.ExecutionLog) {
	if entry == nil {
		return
	}
	if err := s.store.AppendExecutionLog(ctx, entry); err != nil {
		logging.LogWith(ctx, s.logger).ErrorContext(ctx, "failed to append execution log",
			slog.String("status", string(entry.Status)),
			slog.String("error", err.Error()),
		)
	}
}

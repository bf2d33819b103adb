package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcron/pkg/schema"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowRoundTrip", func(t *testing.T) { testWorkflowRoundTrip(t, newStore(t)) })
	t.Run("WorkflowNotFound", func(t *testing.T) { testWorkflowNotFound(t, newStore(t)) })
	t.Run("WorkflowConflict", func(t *testing.T) { testWorkflowConflict(t, newStore(t)) })
	t.Run("ListWorkflows", func(t *testing.T) { testListWorkflows(t, newStore(t)) })
	t.Run("ScheduleRoundTrip", func(t *testing.T) { testScheduleRoundTrip(t, newStore(t)) })
	t.Run("ListDueSchedules", func(t *testing.T) { testListDueSchedules(t, newStore(t)) })
	t.Run("ListSchedulesFilter", func(t *testing.T) { testListSchedulesFilter(t, newStore(t)) })
	t.Run("UpdateRunMetadata", func(t *testing.T) { testUpdateRunMetadata(t, newStore(t)) })
	t.Run("IncrementErrorCount", func(t *testing.T) { testIncrementErrorCount(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("RecordOutcome", func(t *testing.T) { testRecordOutcome(t, newStore(t)) })
	t.Run("UpdateScheduleStatus", func(t *testing.T) { testUpdateScheduleStatus(t, newStore(t)) })
	t.Run("ClaimSchedule", func(t *testing.T) { testClaimSchedule(t, newStore(t)) })
	t.Run("DeleteSchedule", func(t *testing.T) { testDeleteSchedule(t, newStore(t)) })
	t.Run("ExecutionLogs", func(t *testing.T) { testExecutionLogs(t, newStore(t)) })
	t.Run("ExecutionLogRequiresWorkflow", func(t *testing.T) { testExecutionLogRequiresWorkflow(t, newStore(t)) })
}

func seedWorkflow(t *testing.T, s Store) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:     uuid.NewString(),
		Name:   "daily-digest",
		Status: schema.WorkflowStatusActive,
		Steps: []schema.WorkflowStep{
			{ID: "fetch", Action: "echo", Parameters: schema.Parameters{"message": "hello"}},
			{ID: "summarize", Name: "Summarize", Action: "echo"},
		},
		Config: map[string]any{"owner": "ops"},
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedSchedule(t *testing.T, s Store, workflowID string, nextRun *time.Time) *schema.Schedule {
	t.Helper()
	sch := &schema.Schedule{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Name:       "every-minute",
		Cron:       "* * * * *",
		Status:     schema.ScheduleStatusActive,
		Config:     schema.ScheduleConfig{MaxRetries: 3, Timeout: 30},
		NextRun:    nextRun,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), sch))
	return sch
}

func ptrTime(t time.Time) *time.Time { return &t }

func testWorkflowRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, got.Name)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "fetch", got.Steps[0].ID)
	assert.Equal(t, "hello", got.Steps[0].Parameters.String("message"))
	assert.Equal(t, "Summarize", got.Steps[1].Label())
	assert.Equal(t, "ops", got.Config["owner"])
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.True(t, schema.IsNotFound(err))
}

func testWorkflowNotFound(t *testing.T, s Store) {
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteWorkflow(context.Background(), "missing")))
}

func testWorkflowConflict(t *testing.T, s Store) {
	wf := seedWorkflow(t, s)
	err := s.CreateWorkflow(context.Background(), &schema.Workflow{ID: wf.ID, Name: "dup"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func testListWorkflows(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorkflow(t, s)
	seedWorkflow(t, s)
	require.NoError(t, s.CreateWorkflow(ctx, &schema.Workflow{ID: uuid.NewString(), Name: "draft", CreatedBy: "alice"}))

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	draft := schema.WorkflowStatusDraft
	drafts, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &draft})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "draft", drafts[0].Name)

	mine, err := s.ListWorkflows(ctx, WorkflowFilter{CreatedBy: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testScheduleRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	next := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sch := &schema.Schedule{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Name:        "morning",
		Description: "runs at nine",
		Cron:        "0 9 * * *",
		Config:      schema.ScheduleConfig{MaxRetries: 2, Timeout: 60, Notifications: true},
		NextRun:     &next,
		Metadata:    map[string]any{"team": "growth"},
		CreatedBy:   "bob",
	}
	require.NoError(t, s.CreateSchedule(ctx, sch))

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.WorkflowID)
	assert.Equal(t, "0 9 * * *", got.Cron)
	assert.Equal(t, schema.ScheduleStatusActive, got.Status, "status defaults to active")
	assert.Equal(t, sch.Config, got.Config)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.True(t, next.Equal(*got.NextRun))
	assert.Equal(t, "growth", got.Metadata["team"])
	assert.Equal(t, "bob", got.CreatedBy)

	err = s.CreateSchedule(ctx, sch)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = s.GetSchedule(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func testListDueSchedules(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	never := seedSchedule(t, s, wf.ID, nil)
	past := seedSchedule(t, s, wf.ID, ptrTime(now.Add(-time.Hour)))
	exact := seedSchedule(t, s, wf.ID, ptrTime(now))
	seedSchedule(t, s, wf.ID, ptrTime(now.Add(time.Second)))
	paused := seedSchedule(t, s, wf.ID, ptrTime(now.Add(-time.Hour)))
	require.NoError(t, s.UpdateScheduleStatus(ctx, paused.ID, schema.ScheduleStatusPaused))

	due, err := s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{never.ID, past.ID, exact.ID}, ids)

	// Listing again without writes returns the same set.
	again, err := s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, s.UpdateRunMetadata(ctx, past.ID, RunMetadata{LastRun: &now, NextRun: ptrTime(now.Add(time.Minute))}))
	due, err = s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func testListSchedulesFilter(t *testing.T, s Store) {
	ctx := context.Background()
	a := seedWorkflow(t, s)
	b := seedWorkflow(t, s)
	seedSchedule(t, s, a.ID, nil)
	seedSchedule(t, s, a.ID, nil)
	errored := seedSchedule(t, s, b.ID, nil)
	require.NoError(t, s.UpdateScheduleStatus(ctx, errored.ID, schema.ScheduleStatusError))

	forA, err := s.ListSchedules(ctx, ScheduleFilter{WorkflowID: a.ID})
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	status := schema.ScheduleStatusError
	errs, err := s.ListSchedules(ctx, ScheduleFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, errored.ID, errs[0].ID)

	limited, err := s.ListSchedules(ctx, ScheduleFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testUpdateRunMetadata(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)

	last := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	next := last.Add(time.Minute)
	count := 4
	msg := "boom"
	require.NoError(t, s.UpdateRunMetadata(ctx, sch.ID, RunMetadata{
		LastRun: &last, NextRun: &next, ErrorCount: &count, LastError: &msg,
	}))

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.True(t, last.Equal(*got.LastRun))
	assert.True(t, next.Equal(*got.NextRun))
	assert.Equal(t, 4, got.ErrorCount)
	assert.Equal(t, "boom", got.LastError)

	// Clearing last_error leaves the other fields alone.
	empty := ""
	require.NoError(t, s.UpdateRunMetadata(ctx, sch.ID, RunMetadata{LastError: &empty}))
	got, err = s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 4, got.ErrorCount)

	negative := -1
	err = s.UpdateRunMetadata(ctx, sch.ID, RunMetadata{ErrorCount: &negative})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = s.UpdateRunMetadata(ctx, "missing", RunMetadata{LastRun: &last})
	assert.True(t, schema.IsNotFound(err))
}

func testIncrementErrorCount(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)

	n, err := s.IncrementErrorCount(ctx, sch.ID, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementErrorCount(ctx, sch.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, "second", got.LastError)

	_, err = s.IncrementErrorCount(ctx, "missing", "x")
	assert.True(t, schema.IsNotFound(err))
}

func testConcurrentIncrements(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)

	const workers = 20
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementErrorCount(ctx, sch.ID, fmt.Sprintf("failure %d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, got.ErrorCount)
}

func testRecordOutcome(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)
	now := time.Now()

	n, err := s.RecordOutcome(ctx, sch.ID, Failed(now, "step 1 failed"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordOutcome(ctx, sch.ID, Failed(now, "step 2 failed"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, "step 2 failed", got.LastError)

	n, err = s.RecordOutcome(ctx, sch.ID, Succeeded(now))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err = s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Empty(t, got.LastError)

	_, err = s.RecordOutcome(ctx, "missing", Succeeded(now))
	assert.True(t, schema.IsNotFound(err))
}

func testUpdateScheduleStatus(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)

	require.NoError(t, s.UpdateScheduleStatus(ctx, sch.ID, schema.ScheduleStatusPaused))
	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduleStatusPaused, got.Status)

	err = s.UpdateScheduleStatus(ctx, sch.ID, "sleeping")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = s.UpdateScheduleStatus(ctx, "missing", schema.ScheduleStatusActive)
	assert.True(t, schema.IsNotFound(err))
}

func testClaimSchedule(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.ClaimSchedule(ctx, sch.ID, "node-a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimSchedule(ctx, sch.ID, "node-b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an unexpired lease blocks other owners")

	ok, err = s.ClaimSchedule(ctx, sch.ID, "node-a", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the holder may renew")

	ok, err = s.ClaimSchedule(ctx, sch.ID, "node-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be taken")

	require.NoError(t, s.ReleaseSchedule(ctx, sch.ID, "node-a"), "releasing a lease you lost is a no-op")
	ok, err = s.ClaimSchedule(ctx, sch.ID, "node-a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseSchedule(ctx, sch.ID, "node-b"))
	ok, err = s.ClaimSchedule(ctx, sch.ID, "node-a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.ClaimSchedule(ctx, "missing", "node-a", now, time.Minute)
	assert.True(t, schema.IsNotFound(err))
}

func testDeleteSchedule(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)

	require.NoError(t, s.DeleteSchedule(ctx, sch.ID))
	_, err := s.GetSchedule(ctx, sch.ID)
	assert.True(t, schema.IsNotFound(err))
	assert.True(t, schema.IsNotFound(s.DeleteSchedule(ctx, sch.ID)))
}

func testExecutionLogs(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s)
	sch := seedSchedule(t, s, wf.ID, nil)
	runID := uuid.NewString()

	payload, err := json.Marshal(schema.StepPayload{Response: "hello", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	step0 := 0
	step1 := 1
	entries := []*schema.ExecutionLog{
		{WorkflowID: wf.ID, ScheduleID: sch.ID, RunID: runID, StepIndex: &step0, StepID: "fetch", Status: schema.LogStatusCompleted, Result: payload},
		{WorkflowID: wf.ID, ScheduleID: sch.ID, RunID: runID, StepIndex: &step1, StepID: "summarize", Status: schema.LogStatusError, Error: "step failed"},
		{WorkflowID: wf.ID, RunID: uuid.NewString(), Status: schema.LogStatusCompleted},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendExecutionLog(ctx, e))
		assert.NotZero(t, e.ID)
		assert.False(t, e.ExecutionTime.IsZero())
	}
	assert.Less(t, entries[0].ID, entries[1].ID)

	byRun, err := s.ListExecutionLogs(ctx, LogFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, "fetch", byRun[0].StepID)
	require.NotNil(t, byRun[0].StepIndex)
	assert.Equal(t, 0, *byRun[0].StepIndex)
	assert.JSONEq(t, string(payload), string(byRun[0].Result))
	assert.Equal(t, "step failed", byRun[1].Error)

	byWorkflow, err := s.ListExecutionLogs(ctx, LogFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 3)
	assert.Nil(t, byWorkflow[2].StepIndex, "run-level entries carry no step")

	errs, err := s.ListExecutionLogs(ctx, LogFilter{ScheduleID: sch.ID, Status: schema.LogStatusError})
	require.NoError(t, err)
	assert.Len(t, errs, 1)

	limited, err := s.ListExecutionLogs(ctx, LogFilter{WorkflowID: wf.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, entries[0].ID, limited[0].ID)
}

func testExecutionLogRequiresWorkflow(t *testing.T, s Store) {
	err := s.AppendExecutionLog(context.Background(), &schema.ExecutionLog{Status: schema.LogStatusCompleted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/executor"
	"github.com/rendis/flowcron/internal/notify"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/pkg/schema"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// countingStore records ListDueSchedules calls.
type countingStore struct {
	store.Store
	listDue atomic.Int32
}

func (c *countingStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*schema.Schedule, error) {
	c.listDue.Add(1)
	return c.Store.ListDueSchedules(ctx, now)
}

// claimFailStore fails every ClaimSchedule call.
type claimFailStore struct {
	store.Store
}

func (claimFailStore) ClaimSchedule(context.Context, string, string, time.Time, time.Duration) (bool, error) {
	return false, errors.New("database is locked")
}

// recordingNotifier keeps every published outcome.
type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (r *recordingNotifier) Publish(_ context.Context, o notify.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingNotifier) all() []notify.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Outcome(nil), r.outcomes...)
}

func newMemStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewMemoryStore()
	require.NoError(t, err)
	return s
}

func okExec() executor.Func {
	return func(_ context.Context, req *executor.Request) (*executor.Result, error) {
		return &executor.Result{Output: "done " + req.Name}, nil
	}
}

func failOn(stepID, msg string) executor.Func {
	return func(_ context.Context, req *executor.Request) (*executor.Result, error) {
		if req.Name == stepID {
			return nil, errors.New(msg)
		}
		return &executor.Result{Output: "ok"}, nil
	}
}

func newScheduler(t *testing.T, st store.Store, exec executor.StepExecutor, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	eng := engine.New(exec, engine.WithLogger(discardLogger()))
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(st, eng, cfg, discardLogger(), opts...)
}

func seedWorkflow(t *testing.T, st store.Store, stepIDs ...string) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{ID: uuid.NewString(), Name: "digest", Status: schema.WorkflowStatusActive}
	for _, id := range stepIDs {
		wf.Steps = append(wf.Steps, schema.WorkflowStep{ID: id, Name: id, Action: "echo"})
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedSchedule(t *testing.T, st store.Store, workflowID string, nextRun *time.Time, cfg schema.ScheduleConfig) *schema.Schedule {
	t.Helper()
	sch := &schema.Schedule{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Name:       "every-minute",
		Cron:       "* * * * *",
		Status:     schema.ScheduleStatusActive,
		Config:     cfg,
		NextRun:    nextRun,
	}
	require.NoError(t, st.CreateSchedule(context.Background(), sch))
	return sch
}

func getSchedule(t *testing.T, st store.Store, id string) *schema.Schedule {
	t.Helper()
	sch, err := st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return sch
}

func logsFor(t *testing.T, st store.Store, scheduleID string) []*schema.ExecutionLog {
	t.Helper()
	logs, err := st.ListExecutionLogs(context.Background(), store.LogFilter{ScheduleID: scheduleID})
	require.NoError(t, err)
	return logs
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestPass_AllStepsSucceed(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a", "b", "c")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	s := newScheduler(t, st, okExec(), Config{})

	assert.Equal(t, 1, s.pass(context.Background()))

	got := getSchedule(t, st, sch.ID)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.LastRun)
	assert.True(t, testNow.Equal(*got.LastRun))
	require.NotNil(t, got.NextRun)
	assert.True(t, time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC).Equal(*got.NextRun))

	logs := logsFor(t, st, sch.ID)
	require.Len(t, logs, 4)
	var summaries int
	for i, l := range logs {
		assert.Equal(t, schema.LogStatusCompleted, l.Status)
		assert.Equal(t, wf.ID, l.WorkflowID)
		if l.StepIndex == nil {
			summaries++
			continue
		}
		assert.Equal(t, i, *l.StepIndex)
		assert.Contains(t, string(l.Result), `"response":"done`)
	}
	assert.Equal(t, 1, summaries)
	assert.Nil(t, logs[3].StepIndex, "summary comes last")
}

func TestPass_StepFailure(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a", "b", "c")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	s := newScheduler(t, st, failOn("b", "b broke"), Config{})

	rep := s.runSchedule(context.Background(), sch, testNow)
	require.False(t, rep.Success)
	require.NotNil(t, rep.State)
	assert.Len(t, rep.State.StepResults, 1)
	assert.Equal(t, 1, rep.State.Error.Step)

	got := getSchedule(t, st, sch.ID)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, "b broke", got.LastError)

	logs := logsFor(t, st, sch.ID)
	require.Len(t, logs, 2)
	assert.Equal(t, schema.LogStatusCompleted, logs[0].Status)
	assert.Equal(t, schema.LogStatusError, logs[1].Status)
	require.NotNil(t, logs[1].StepIndex)
	assert.Equal(t, 1, *logs[1].StepIndex)
	assert.Equal(t, "b", logs[1].StepID)
	assert.Equal(t, "b broke", logs[1].Error)
}

func TestPass_SuccessResetsErrorCount(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	ctx := context.Background()
	for range 2 {
		_, err := st.RecordOutcome(ctx, sch.ID, store.Failed(testNow, "earlier failure"))
		require.NoError(t, err)
	}
	require.Equal(t, 2, getSchedule(t, st, sch.ID).ErrorCount)

	s := newScheduler(t, st, okExec(), Config{})
	rep := s.runSchedule(ctx, sch, testNow)
	require.True(t, rep.Success)

	got := getSchedule(t, st, sch.ID)
	assert.Equal(t, 0, got.ErrorCount)
	assert.Empty(t, got.LastError)
}

func TestPass_MissingWorkflowDoesNotAbortPass(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	orphan := seedSchedule(t, st, "wf-missing", nil, schema.ScheduleConfig{})
	healthy := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	s := newScheduler(t, st, okExec(), Config{})

	assert.Equal(t, 2, s.pass(context.Background()))

	gotOrphan := getSchedule(t, st, orphan.ID)
	assert.Equal(t, 1, gotOrphan.ErrorCount)
	assert.Contains(t, gotOrphan.LastError, "wf-missing")
	orphanLogs := logsFor(t, st, orphan.ID)
	require.Len(t, orphanLogs, 1)
	assert.Equal(t, schema.LogStatusError, orphanLogs[0].Status)
	assert.Nil(t, orphanLogs[0].StepIndex)

	gotHealthy := getSchedule(t, st, healthy.ID)
	assert.Equal(t, 0, gotHealthy.ErrorCount)
	require.NotNil(t, gotHealthy.LastRun)
	assert.Len(t, logsFor(t, st, healthy.ID), 2)
}

func TestPass_SkipsSchedulesNotDue(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	future := testNow.Add(time.Hour)
	sch := seedSchedule(t, st, wf.ID, &future, schema.ScheduleConfig{})
	paused := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	require.NoError(t, st.UpdateScheduleStatus(context.Background(), paused.ID, schema.ScheduleStatusPaused))

	s := newScheduler(t, st, okExec(), Config{})
	assert.Zero(t, s.pass(context.Background()))
	assert.Nil(t, getSchedule(t, st, sch.ID).LastRun)
	assert.Nil(t, getSchedule(t, st, paused.ID).LastRun)
}

func TestPass_LeaseHeldElsewhereSkips(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	ok, err := st.ClaimSchedule(context.Background(), sch.ID, "other-process", testNow, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	s := newScheduler(t, st, okExec(), Config{Owner: "me"})
	assert.Zero(t, s.pass(context.Background()))
	assert.Nil(t, getSchedule(t, st, sch.ID).LastRun)
}

func TestPass_ClaimErrorCountsAsFailure(t *testing.T) {
	mem := newMemStore(t)
	wf := seedWorkflow(t, mem, "a")
	sch := seedSchedule(t, mem, wf.ID, nil, schema.ScheduleConfig{})
	notifier := &recordingNotifier{}

	s := newScheduler(t, claimFailStore{Store: mem}, okExec(), Config{Notifications: true}, WithNotifier(notifier))
	assert.Equal(t, 1, s.pass(context.Background()))

	got := getSchedule(t, mem, sch.ID)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Contains(t, got.LastError, "claim schedule: database is locked")
	assert.Nil(t, got.LastRun)
	assert.Empty(t, logsFor(t, mem, sch.ID))
	outcomes := notifier.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, notify.StatusError, outcomes[0].Status)
}

func TestRunSchedule_InflightDedup(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	s := newScheduler(t, st, okExec(), Config{})

	require.True(t, s.tryAcquire(sch.ID))
	rep := s.runSchedule(context.Background(), sch, testNow)
	assert.True(t, rep.Skipped)
	s.release(sch.ID)

	rep = s.runSchedule(context.Background(), sch, testNow)
	assert.False(t, rep.Skipped)
	assert.True(t, rep.Success)
}

func TestPass_ConcurrencyBound(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	for range 4 {
		seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	}

	var active, peak atomic.Int32
	exec := executor.Func(func(context.Context, *executor.Request) (*executor.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return &executor.Result{}, nil
	})
	s := newScheduler(t, st, exec, Config{Concurrency: 2})

	assert.Equal(t, 4, s.pass(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExhaustionPolicy(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mark   bool
		status schema.ScheduleStatus
	}{
		{name: "marks error", mark: true, status: schema.ScheduleStatusError},
		{name: "disabled by default", mark: false, status: schema.ScheduleStatusActive},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore(t)
			wf := seedWorkflow(t, st, "a")
			sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{MaxRetries: 1})
			s := newScheduler(t, st, failOn("a", "nope"), Config{MarkErrorOnExhaustion: tc.mark})

			s.runSchedule(context.Background(), sch, testNow)
			assert.Equal(t, schema.ScheduleStatusActive, getSchedule(t, st, sch.ID).Status)

			rep := s.runSchedule(context.Background(), sch, testNow)
			assert.Equal(t, 2, rep.ErrorCount)

			got := getSchedule(t, st, sch.ID)
			assert.Equal(t, 2, got.ErrorCount)
			assert.Equal(t, tc.status, got.Status)
		})
	}
}

func TestNotifications(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	loud := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{Notifications: true})
	quiet := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	n := &recordingNotifier{}
	s := newScheduler(t, st, failOn("a", "bad"), Config{}, WithNotifier(n))

	s.pass(context.Background())

	outcomes := n.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, loud.ID, outcomes[0].ScheduleID)
	assert.Equal(t, notify.StatusError, outcomes[0].Status)
	assert.Equal(t, "bad", outcomes[0].Error)
	assert.Equal(t, 1, outcomes[0].ErrorCount)
	assert.NotEmpty(t, outcomes[0].RunID)
	assert.NotEqual(t, quiet.ID, outcomes[0].ScheduleID)
}

func TestNotifications_GlobalSwitch(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	n := &recordingNotifier{}
	s := newScheduler(t, st, okExec(), Config{Notifications: true}, WithNotifier(n))

	s.pass(context.Background())

	outcomes := n.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, notify.StatusCompleted, outcomes[0].Status)
	assert.Zero(t, outcomes[0].ErrorCount)
}

func TestRunTimeout(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "slow")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{Timeout: 1})
	exec := executor.Func(func(ctx context.Context, _ *executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newScheduler(t, st, exec, Config{})

	rep := s.runSchedule(context.Background(), sch, testNow)
	assert.False(t, rep.Success)
	assert.Contains(t, rep.Error, "deadline exceeded")
	assert.Equal(t, 1, getSchedule(t, st, sch.ID).ErrorCount)
}

func TestStartIsIdempotent(t *testing.T) {
	st := newMemStore(t)
	s := newScheduler(t, st, okExec(), Config{PollInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())
}

func TestStopWaitsForInflightPass(t *testing.T) {
	mem := newMemStore(t)
	st := &countingStore{Store: mem}
	wf := seedWorkflow(t, mem, "a")
	sch := seedSchedule(t, mem, wf.ID, nil, schema.ScheduleConfig{})

	entered := make(chan struct{})
	proceed := make(chan struct{})
	exec := executor.Func(func(context.Context, *executor.Request) (*executor.Result, error) {
		close(entered)
		<-proceed
		return &executor.Result{Output: "late"}, nil
	})
	s := newScheduler(t, st, exec, Config{PollInterval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	waitFor(t, entered)

	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight pass finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)
	waitFor(t, stopped)

	got := getSchedule(t, mem, sch.ID)
	assert.Equal(t, 0, got.ErrorCount)
	require.NotNil(t, got.LastRun)
	assert.Len(t, logsFor(t, mem, sch.ID), 2)

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, st.listDue.Load(), "no pass after Stop")
}

func TestCancelAbortsInflightRuns(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	sch := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})

	entered := make(chan struct{})
	exec := executor.Func(func(ctx context.Context, _ *executor.Request) (*executor.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newScheduler(t, st, exec, Config{PollInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	waitFor(t, entered)
	require.NoError(t, s.Cancel())

	got := getSchedule(t, st, sch.ID)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Contains(t, got.LastError, "canceled")
	assert.False(t, s.Running())
}

func TestRunNow(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	future := testNow.Add(time.Hour)
	sch := seedSchedule(t, st, wf.ID, &future, schema.ScheduleConfig{})
	s := newScheduler(t, st, okExec(), Config{})

	rep, err := s.RunNow(context.Background(), sch.ID)
	require.NoError(t, err)
	assert.True(t, rep.Success)
	assert.True(t, testNow.Equal(*getSchedule(t, st, sch.ID).LastRun))

	_, err = s.RunNow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))

	require.True(t, s.tryAcquire(sch.ID))
	_, err = s.RunNow(context.Background(), sch.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRecoverMissed(t *testing.T) {
	st := newMemStore(t)
	wf := seedWorkflow(t, st, "a")
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	missed := seedSchedule(t, st, wf.ID, &past, schema.ScheduleConfig{})
	upcoming := seedSchedule(t, st, wf.ID, &future, schema.ScheduleConfig{})
	fresh := seedSchedule(t, st, wf.ID, nil, schema.ScheduleConfig{})
	s := newScheduler(t, st, okExec(), Config{})

	require.NoError(t, s.RecoverMissed(context.Background()))

	assert.NotNil(t, getSchedule(t, st, missed.ID).LastRun)
	assert.Nil(t, getSchedule(t, st, upcoming.ID).LastRun)
	assert.Nil(t, getSchedule(t, st, fresh.ID).LastRun)
}

func TestCalculateNextRun(t *testing.T) {
	s := newScheduler(t, newMemStore(t), okExec(), Config{})

	next, err := s.CalculateNextRun("0 9 * * 1", testNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", testNow)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestStartContextCancelledClearsRunningState(t *testing.T) {
	mem := newMemStore(t)
	st := &countingStore{Store: mem}
	s := newScheduler(t, st, okExec(), Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())

	cancel()
	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	before := st.listDue.Load()
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.Eventually(t, func() bool { return st.listDue.Load() > before }, time.Second, 5*time.Millisecond,
		"restarted loop runs a pass")
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
}

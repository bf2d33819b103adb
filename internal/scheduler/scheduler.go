// Package scheduler polls the store for due schedules and runs their workflows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/notify"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tracing"
	"github.com/rendis/flowcron/internal/validation"
	"github.com/rendis/flowcron/pkg/schema"
)

// Runner is the part of the engine the scheduler drives. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, wf *schema.Workflow, opts engine.Options) iter.Seq[engine.Event]
}

// Notifier receives run outcomes. Satisfied by *notify.Publisher.
type Notifier interface {
	Publish(ctx context.Context, o notify.Outcome) error
}

// Config tunes the polling loop.
type Config struct {
	// PollInterval is the pause between the end of one pass and the start of the next.
	PollInterval time.Duration
	// Concurrency bounds how many schedules run at once within a pass.
	Concurrency int
	// ClaimTTL is how long a store lease on a schedule lasts.
	ClaimTTL time.Duration
	// Owner identifies this process in schedule leases. Generated when empty.
	Owner string
	// MarkErrorOnExhaustion moves a schedule to status error once error_count exceeds max_retries.
	MarkErrorOnExhaustion bool
	// Notifications publishes outcomes for every schedule, not only those that opt in.
	Notifications bool
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 60 * time.Second,
		Concurrency:  1,
		ClaimTTL:     10 * time.Minute,
	}
}

// ErrAlreadyRunning is returned by RunNow when the schedule is claimed elsewhere.
var ErrAlreadyRunning = errors.New("schedule is already running")

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store    store.Store
	runner   Runner
	notifier Notifier
	tracer   trace.Tracer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	stop      chan struct{}
	done      chan struct{}
	runCancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing in this process
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier publishes run outcomes through n.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithTracer sets the tracer for pass and run spans.
func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a Scheduler. Zero fields in cfg take their defaults.
func New(st store.Store, runner Runner, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	s := &Scheduler{
		store:    st,
		runner:   runner,
		tracer:   tracing.Noop(),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "flowcron"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Start launches the background loop. It runs one pass immediately and then waits
// PollInterval after each pass. The loop ends on Stop or when ctx is cancelled.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return nil
	}
	if s.done != nil {
		return fmt.Errorf("scheduler is stopping")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(runCtx, s.stop, s.done)
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Int("concurrency", s.cfg.Concurrency),
		slog.String("owner", s.cfg.Owner),
	)
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.exited(ctx, stop)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.pass(ctx)

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// exited clears the running state when the loop ends on its own because the
// context given to Start was cancelled. After Stop the state is already cleared.
func (s *Scheduler) exited(ctx context.Context, stop <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != stop {
		return
	}
	s.stop = nil
	s.done = nil
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.logger.Info("scheduler stopped", slog.String("reason", context.Cause(ctx).Error()))
}

// Stop prevents further passes and waits for the current one to finish.
// In-flight runs are not interrupted.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.stop)
	s.stop = nil
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.done = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// Cancel stops the scheduler and cancels in-flight runs.
func (s *Scheduler) Cancel() error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()
	return s.Stop()
}

// pass runs every due schedule once and returns how many runs were attempted.
func (s *Scheduler) pass(ctx context.Context) int {
	ctx, span := tracing.StartSpan(ctx, s.tracer, "scheduler.pass")
	defer span.End()

	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		tracing.SetError(span, err)
		s.logger.ErrorContext(ctx, "failed to list due schedules", slog.String("error", err.Error()))
		return 0
	}
	return s.runAll(ctx, due, now)
}

func (s *Scheduler) runAll(ctx context.Context, schedules []*schema.Schedule, now time.Time) int {
	var (
		mu  sync.Mutex
		ran int
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, sch := range schedules {
		g.Go(func() error {
			rep := s.runSchedule(ctx, sch, now)
			if !rep.Skipped {
				mu.Lock()
				ran++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return ran
}

// Report summarizes one scheduled run.
type Report struct {
	ScheduleID string
	RunID      string
	// Skipped is set when the schedule was already claimed and nothing ran.
	Skipped    bool
	Success    bool
	Error      string
	ErrorCount int
	Status     schema.ScheduleStatus
	State      *engine.RunState
}

// RunNow runs one schedule immediately, whatever its next_run.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) (*Report, error) {
	sch, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", scheduleID, err)
	}
	rep := s.runSchedule(ctx, sch, s.now())
	if rep.Skipped {
		return rep, fmt.Errorf("run schedule %s: %w", scheduleID, ErrAlreadyRunning)
	}
	return rep, nil
}

// RecoverMissed runs once every active schedule whose next_run is already in the past.
// Schedules that never had a next_run are left to the regular pass.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	missed := due[:0]
	for _, sch := range due {
		if sch.NextRun != nil && sch.NextRun.Before(now) {
			missed = append(missed, sch)
		}
	}
	recovered := s.runAll(ctx, missed, now)
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// CalculateNextRun computes the next activation of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	return validation.NextRun(cronExpr, from)
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

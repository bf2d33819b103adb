// Package engine runs a workflow's steps in order and reports progress as a sequence of events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowcron/internal/executor"
	"github.com/rendis/flowcron/internal/expressions"
	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/tracing"
	"github.com/rendis/flowcron/internal/validation"
	"github.com/rendis/flowcron/pkg/schema"
)

// Options configures a single run.
type Options struct {
	// RunID identifies the run in logs and events. Generated when empty.
	RunID      string
	ScheduleID string
	// MaxRetries is handed to the step executor; 0 keeps its default.
	MaxRetries         int
	SystemInstructions string
	Tools              []string
}

// Engine executes workflows one step at a time.
type Engine struct {
	exec      executor.StepExecutor
	interp    *expressions.Interpolator
	validator validation.Validator
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator checks each workflow before its first step.
func WithValidator(v validation.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithTracer sets the tracer for run and step spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine that runs steps through exec.
func New(exec executor.StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		exec:   exec,
		interp: expressions.NewInterpolator(),
		tracer: tracing.Noop(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run returns a lazy sequence of the run's events. Steps execute as the consumer iterates:
// step i+1 starts only after the consumer has received StepCompleted for step i.
// Stopping the iteration stops the run. The sequence always ends with RunCompleted or
// RunFailed unless the consumer stops early.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, opts Options) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		e.run(ctx, wf, opts, yield)
	}
}

// Execute drains Run and returns the final state.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, opts Options) *RunState {
	var state *RunState
	for ev := range e.Run(ctx, wf, opts) {
		state = ev.State()
	}
	return state
}

func (e *Engine) run(ctx context.Context, wf *schema.Workflow, opts Options, yield func(Event) bool) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)
	if opts.ScheduleID != "" {
		ctx = logging.WithScheduleID(ctx, opts.ScheduleID)
	}

	if wf == nil {
		state := newRunState(runID, "", e.now())
		e.abort(ctx, state, nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil"), yield)
		return
	}

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "workflow.run",
		tracing.WorkflowIDKey.String(wf.ID),
		tracing.RunIDKey.String(runID),
		tracing.ScheduleIDKey.String(opts.ScheduleID),
	)
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	state := newRunState(runID, wf.ID, e.now())
	if e.validator != nil {
		if err := e.validator.ValidateWorkflow(wf); err != nil {
			e.abort(ctx, state, span, err, yield)
			return
		}
	}

	log.InfoContext(ctx, "workflow run started", "steps", len(wf.Steps))
	scope := expressions.NewScope(wf.ID, wf.Name, runID)

	for i, step := range wf.Steps {
		res, input, err := e.runStep(ctx, wf, i, step, state, scope, opts)
		if err != nil {
			runErr := &RunError{Step: i, StepID: step.ID, Message: err.Error(), Timestamp: e.now(), Err: err}
			if ferr := state.fail(runErr); ferr != nil {
				log.ErrorContext(ctx, "run state transition rejected", "error", ferr)
			}
			tracing.SetError(span, err, tracing.StepIndexKey.Int(i), tracing.StepIDKey.String(step.ID))
			log.ErrorContext(ctx, "workflow run failed", "step", i, "step_id", step.ID, "error", err)
			yield(RunFailed{Err: runErr, state: state})
			return
		}

		sr := StepResult{Step: i, StepID: step.ID, Result: res, Timestamp: e.now()}
		state.recordStep(sr, input)
		scope.RecordStep(step.ID, i, res.Output)
		log.DebugContext(ctx, "step completed", "step", i, "step_id", step.ID)

		if !yield(StepCompleted{Index: i, Step: step, Result: sr, state: state}) {
			return
		}
	}

	if err := state.complete(e.now()); err != nil {
		log.ErrorContext(ctx, "run state transition rejected", "error", err)
	}
	log.InfoContext(ctx, "workflow run completed", "steps", len(state.StepResults))
	yield(RunCompleted{state: state})
}

// runStep executes one step. Panics from request construction or the executor become errors.
func (e *Engine) runStep(ctx context.Context, wf *schema.Workflow, index int, step schema.WorkflowStep,
	state *RunState, scope *expressions.Scope, opts Options) (res *executor.Result, input string, err error) {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "workflow.step",
		tracing.StepIDKey.String(step.ID),
		tracing.StepIndexKey.Int(index),
		tracing.ActionKey.String(step.Action),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "panic in step %s: %v", step.ID, r).WithStep(step.ID)
		}
		if err != nil {
			tracing.SetError(span, err)
		}
	}()

	if cerr := ctx.Err(); cerr != nil {
		return nil, "", interrupted(cerr, step.ID)
	}

	req, err := e.buildRequest(ctx, wf, index, step, state, scope, opts)
	if err != nil {
		return nil, "", err
	}
	res, err = e.exec.Execute(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if res == nil {
		res = &executor.Result{}
	}
	return res, req.Input, nil
}

// abort ends a run that could not start any step.
func (e *Engine) abort(ctx context.Context, state *RunState, span trace.Span, err error, yield func(Event) bool) {
	runErr := &RunError{Step: -1, Message: err.Error(), Timestamp: e.now(), Err: err}
	_ = state.fail(runErr)
	if span != nil {
		tracing.SetError(span, err)
	}
	logging.LogWith(ctx, e.logger).ErrorContext(ctx, "workflow run aborted", "error", err)
	yield(RunFailed{Err: runErr, state: state})
}

func interrupted(cause error, stepID string) error {
	code := schema.ErrCodeCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
	}
	return schema.NewError(code, fmt.Sprintf("run interrupted before step: %v", cause)).
		WithStep(stepID).WithCause(cause)
}

package main

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowcron/internal/engine"
	"github.com/rendis/flowcron/internal/executor"
	"github.com/rendis/flowcron/internal/validation"
)

func newRegistry() (*executor.Registry, error) {
	registry := executor.NewRegistry()
	for _, c := range []executor.Capability{executor.Echo(), executor.HTTPRequest(executor.HTTPConfig{})} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// newEngine builds the executor pipeline and the engine around it.
// The engine's pre-run check covers document shape only: an unknown action must fail
// at its own step, where the capability executor reports ACTION_UNAVAILABLE.
func newEngine(cfg Config, registry *executor.Registry, tracer trace.Tracer, logger *slog.Logger) (*engine.Engine, error) {
	validator, err := validation.NewWorkflowValidator(nil)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}
	pipeline := executor.NewPipeline(registry, validator,
		executor.RetryPolicy{
			MaxRetries:     cfg.StepMaxRetries,
			InitialDelay:   cfg.StepInitialDelay.Std(),
			MaxDelay:       cfg.StepMaxDelay.Std(),
			AttemptTimeout: cfg.StepAttemptTimeout.Std(),
		},
		executor.NewBreakers(executor.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown.Std(),
		}),
		executor.WithRetryLogger(logger),
	)
	return engine.New(pipeline,
		engine.WithValidator(validator),
		engine.WithTracer(tracer),
		engine.WithLogger(logger),
	), nil
}

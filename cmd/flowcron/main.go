// Command flowcron runs scheduled workflows from a local store until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/rendis/flowcron/internal/logging"
	"github.com/rendis/flowcron/internal/notify"
	"github.com/rendis/flowcron/internal/scheduler"
	"github.com/rendis/flowcron/internal/store"
	"github.com/rendis/flowcron/internal/tracing"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowcron:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level)
	slog.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", slog.String("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, registry, tracer, logger)
	if err != nil {
		return err
	}

	bus := notify.NewGoChannel(logger)
	defer bus.Close()
	outcomes, err := notify.Subscribe(ctx, bus)
	if err != nil {
		return err
	}
	go logOutcomes(logger, outcomes)

	sched := scheduler.New(st, eng, scheduler.Config{
		PollInterval:          cfg.PollInterval.Std(),
		Concurrency:           cfg.Concurrency,
		ClaimTTL:              cfg.ClaimTTL.Std(),
		MarkErrorOnExhaustion: cfg.MarkErrorOnExhaustion,
		Notifications:         cfg.Notifications,
	}, logger,
		scheduler.WithNotifier(notify.NewPublisher(bus)),
		scheduler.WithTracer(tracer),
	)

	// Runs outlive the signal context so that shutdown can let them finish.
	runCtx := context.WithoutCancel(ctx)
	if cfg.RecoverMissed {
		if err := sched.RecoverMissed(runCtx); err != nil {
			logger.Error("missed schedule recovery failed", slog.String("error", err.Error()))
		}
	}
	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	logger.Info("flowcron started", slog.String("version", version), slog.String("store", cfg.Store))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return shutdown(logger, sched, cfg.ShutdownTimeout.Std())
		case <-hup:
			cfg = reload(logger, level, cfg)
		}
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store {
	case storeMemory:
		st, err = store.NewMemoryStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn := cfg.DBPath
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		st, err = store.NewLibSQLStore(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// reload re-reads settings on SIGHUP. Only the log level applies live.
func reload(logger *slog.Logger, level *slog.LevelVar, current Config) Config {
	next, err := loadConfig()
	if err != nil {
		logger.Error("config reload failed", slog.String("error", err.Error()))
		return current
	}
	diff := diffConfigs(current, next)
	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	current.LogLevel = next.LogLevel
	return current
}

// shutdown stops the scheduler, cancelling in-flight runs if they outlast timeout.
func shutdown(logger *slog.Logger, sched *scheduler.Scheduler, timeout time.Duration) error {
	logger.Info("shutting down")
	done := make(chan error, 1)
	go func() { done <- sched.Stop() }()

	if timeout <= 0 {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		logger.Warn("in-flight runs did not finish in time, cancelling", slog.Duration("timeout", timeout))
		return errors.Join(sched.Cancel(), <-done)
	}
}

func logOutcomes(logger *slog.Logger, outcomes <-chan notify.Outcome) {
	for o := range outcomes {
		logger.Info("schedule outcome",
			slog.String("schedule_id", o.ScheduleID),
			slog.String("run_id", o.RunID),
			slog.String("status", o.Status),
			slog.Int("error_count", o.ErrorCount),
		)
	}
}

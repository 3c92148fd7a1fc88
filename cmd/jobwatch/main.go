package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/observability/otelx"
	"jobwatch/internal/runner"
	"jobwatch/internal/runner/factory"
	"jobwatch/internal/trigger"
)

func main() {
	os.Exit(run())
}

func run() int {
	env := config.LoadEnv()

	configPath := flag.String("config", env.ConfigPath, "path to jobwatch document")
	profileName := flag.String("profile", env.Profile, "profile to run (optional with a single profile)")
	daemon := flag.Bool("daemon", env.Daemon, "keep running on the profile's cron schedule")
	lockPath := flag.String("lock", env.LockPath, "run lock file (defaults next to the config)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := otelx.Init(ctx, logger, env.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	if shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("otel shutdown failed", "error", err)
			}
		}()
	}

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load document", "path", *configPath, "error", err)
		return 1
	}
	profile, err := doc.Profile(*profileName)
	if err != nil {
		logger.Error("failed to resolve profile", "error", err)
		return 1
	}

	// Overlapping runs against the same seen state corrupt nothing (writes
	// are atomic) but double-alert; the lock keeps the external scheduler
	// honest.
	unlock, err := acquireLock(lockFilePath(*lockPath, *configPath, profile.Name), logger)
	if err != nil {
		logger.Error("another run is in progress", "error", err)
		return 1
	}
	defer unlock()

	pipeline, err := factory.New(profile, env, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Warn("failed to close seen store", "error", err)
		}
	}()

	if *daemon {
		return runDaemon(ctx, logger, pipeline, profile)
	}
	return runOnce(ctx, logger, pipeline)
}

// runOnce executes a single pipeline run. The exit code gates whatever the
// external scheduler does next: zero means state was committed (even when
// some notifications failed), non-zero means nothing was persisted.
func runOnce(ctx context.Context, logger *slog.Logger, pipeline *runner.Pipeline) int {
	result, err := pipeline.RunOnce(ctx)
	for _, line := range result.ErrorSummary(5) {
		logger.Warn("run error", "detail", line)
	}
	if err != nil {
		logger.Error("run failed", "stage", string(result.Stage), "error", err)
		return 1
	}
	if result.Status == core.RunStatusPartial {
		logger.Warn("run completed with delivery failures",
			"notified", result.NotifiedCount, "new", result.NewCount)
	}
	return 0
}

func runDaemon(ctx context.Context, logger *slog.Logger, pipeline *runner.Pipeline, profile *config.Profile) int {
	if profile.Schedule == "" {
		logger.Error("daemon mode requires a schedule on the profile", "profile", profile.Name)
		return 1
	}
	cron := trigger.NewCron(profile.Schedule, "")
	events, err := cron.Start(ctx, profile.Name)
	if err != nil {
		logger.Error("failed to start schedule", "error", err)
		return 1
	}
	logger.Info("daemon started", "profile", profile.Name, "schedule", profile.Schedule)

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping")
			return 0
		case event, ok := <-events:
			if !ok {
				return 0
			}
			logger.Info("scheduled run firing", "profile", event.Profile, "time", event.Timestamp)
			// A failed run must not take the schedule down with it.
			if _, err := pipeline.RunOnce(ctx); err != nil {
				logger.Error("scheduled run failed", "error", err)
			}
		}
	}
}

func lockFilePath(explicit, configPath, profileName string) string {
	if explicit != "" {
		return explicit
	}
	return fmt.Sprintf("%s.%s.lock", configPath, profileName)
}

func acquireLock(path string, logger *slog.Logger) (func(), error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s is held", path)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "path", path, "error", err)
		}
	}, nil
}

// Command pueuey is a worker and admin tool for a Postgres-backed job queue
// compatible with queue_classic.
//
// Subcommands:
//
//	work       run a worker until SIGINT/SIGTERM (plus /metrics if METRICS_ADDR is set)
//	enqueue    insert one job
//	count      print the number of jobs in a queue
//	unlock     release a claimed job so it can be retried
//	purge      delete every job in a queue
//	schedule   enqueue a job on a cron schedule
//	migrate    create the job table and lock_head
//	drop       remove the job table and lock_head
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/cecton/pueuey/internal/config"
	"github.com/cecton/pueuey/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "pueuey",
		Short: "Postgres job queue worker compatible with queue_classic",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workCmd(),
		workOneCmd(),
		enqueueCmd(),
		countCmd(),
		unlockCmd(),
		purgeCmd(),
		scheduleCmd(),
		migrateCmd(),
		dropCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads and validates configuration and installs the default logger.
// Every subcommand starts here.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newSession connects to the store.
//
// Retries up to cfg.ConnectRetries times with linear backoff to handle the
// Docker Compose startup race where Postgres is not immediately ready.
func newSession(ctx context.Context, cfg *config.Config) (*store.Session, error) {
	sessCfg := store.SessionConfig{
		URL:     cfg.ConnString(),
		AppName: cfg.AppName,
		Logger:  slog.Default(),
	}
	attempts := max(cfg.ConnectRetries, 1)

	var (
		s       *store.Session
		connErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		s, connErr = store.Connect(ctx, sessCfg)
		if connErr == nil {
			break
		}
		var ce *store.ConnectionError
		if !errors.As(connErr, &ce) || attempt == attempts {
			break
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx is
		// cancelled first.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable: %w", connErr)
	}

	checkSchemaVersion(ctx, s)
	return s, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// checkSchemaVersion warns if the applied schema version does not match the
// version the binary was built for. It never fails: queue_classic_jobs may
// have been created by another implementation without schema_migrations.
func checkSchemaVersion(ctx context.Context, s *store.Session) {
	res, err := s.Execute(ctx, "SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1")
	if err != nil || len(res.Rows) != 1 {
		return
	}
	if v, ok := res.Rows[0][0].(int64); ok && v != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `pueuey migrate`",
			"applied_version", v,
			"expected_version", expectedSchemaVersion,
		)
	}
}

// disconnect closes s, logging rather than failing the command.
func disconnect(s *store.Session) {
	if err := s.Disconnect(context.Background()); err != nil {
		slog.Warn("disconnect", "error", err)
	}
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cecton/pueuey/internal/schedule"
	"github.com/cecton/pueuey/internal/store"
	"github.com/cecton/pueuey/migrations"
)

// parseArgs decodes each CLI argument as JSON, numbers kept exact. Anything
// that is not valid JSON is passed as a plain string, so
// `enqueue h hello 3` yields ["hello", 3].
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := store.UnmarshalJSON([]byte(r), &v); err != nil {
			v = r
		}
		args[i] = v
	}
	return args
}

// queueFlag registers --queue on cmd. An empty value means the first
// configured queue.
func queueFlag(cmd *cobra.Command) *string {
	return cmd.Flags().StringP("queue", "q", "", "queue name (default: first of QUEUES/QUEUE)")
}

// openQueue connects and returns the queue named by flag. The caller
// disconnects the returned queue's session.
func openQueue(cmd *cobra.Command, flag string) (*store.Queue, error) {
	cfg, err := setup()
	if err != nil {
		return nil, err
	}
	name := flag
	if name == "" {
		name = cfg.QueueNames()[0]
	}
	s, err := newSession(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	q := store.NewQueue(s, name, store.WithTopBound(cfg.TopBound), store.WithNotify(cfg.Listening))
	return q, nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue HANDLER [ARG...]",
		Short: "Insert one job; each ARG is parsed as JSON, falling back to a string",
		Args:  cobra.MinimumNArgs(1),
	}
	queue := queueFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd, *queue)
		if err != nil {
			return err
		}
		defer disconnect(q.Session())

		id, err := q.Enqueue(cmd.Context(), args[0], parseArgs(args[1:])...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	return cmd
}

// ── count ─────────────────────────────────────────────────────────────────────

func countCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of jobs in a queue, claimed or not",
		Args:  cobra.NoArgs,
	}
	queue := queueFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		q, err := openQueue(cmd, *queue)
		if err != nil {
			return err
		}
		defer disconnect(q.Session())

		n, err := q.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	}
	return cmd
}

// ── unlock ────────────────────────────────────────────────────────────────────

func unlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock JOB_ID",
		Short: "Release a claimed job so a worker can pick it up again",
		Args:  cobra.ExactArgs(1),
	}
	queue := queueFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("parse job id: %w", err)
		}
		q, err := openQueue(cmd, *queue)
		if err != nil {
			return err
		}
		defer disconnect(q.Session())

		if err := q.Unlock(cmd.Context(), id); err != nil {
			return err
		}
		slog.Info("job unlocked", "job_id", id)
		return nil
	}
	return cmd
}

// ── purge ─────────────────────────────────────────────────────────────────────

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every job in a queue, claimed or not",
		Args:  cobra.NoArgs,
	}
	queue := queueFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		q, err := openQueue(cmd, *queue)
		if err != nil {
			return err
		}
		defer disconnect(q.Session())

		n, err := q.DeleteAll(cmd.Context())
		if err != nil {
			return err
		}
		slog.Info("queue purged", "queue", q.Name(), "deleted", n)
		return nil
	}
	return cmd
}

// ── schedule ──────────────────────────────────────────────────────────────────

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule SPEC HANDLER [ARG...]",
		Short: `Enqueue HANDLER on a cron schedule (5 fields, or @hourly, @every 1m, ...)`,
		Args:  cobra.MinimumNArgs(2),
	}
	queue := queueFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		q, err := openQueue(cmd, *queue)
		if err != nil {
			return err
		}
		defer disconnect(q.Session())

		sched, err := schedule.New(q, args[0], args[1], parseArgs(args[2:]))
		if err != nil {
			return err
		}
		slog.Info("scheduler started", "queue", q.Name(), "schedule", args[0], "handler", args[1])
		return sched.Run(cmd.Context())
	}
	return cmd
}

// ── migrate / drop ────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job table and lock_head; a no-op when already present",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			slog.Info("running migrations")

			db, err := migrations.Open(cfg.ConnString())
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			version, err := migrations.Up(db)
			if err != nil {
				return err
			}
			slog.Info("migrations complete", "version", version)
			return nil
		},
	}
}

func dropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Drop the job table and lock_head, losing every job",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			db, err := migrations.Open(cfg.ConnString())
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			if err := migrations.Down(db); err != nil {
				return err
			}
			slog.Info("schema dropped")
			return nil
		},
	}
}

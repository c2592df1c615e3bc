// Command queuectl is the operator CLI for genqueue.
//
// Subcommands:
//
//	migrate                    apply pending schema migrations
//	jobs get|requeue|cancel    inspect or act on a single job
//	events list|redrive|sweep  inspect and repair the webhook event ledger
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"genqueue/internal/app"
	"genqueue/internal/config"
	"genqueue/internal/models"
	"genqueue/internal/store"
	"genqueue/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Operate the genqueue job queue and webhook ledger",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			c.cfg = cfg
			c.logger = app.NewLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
	}
	root.AddCommand(c.migrateCmd(), c.jobsCmd(), c.eventsCmd())
	return root
}

// withBackend opens the configured store for the duration of fn.
func (c *cli) withBackend(ctx context.Context, fn func(store.Backend) error) error {
	backend, err := app.OpenBackend(ctx, c.cfg, false, c.logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(backend)
}

// withIngestor runs fn against an ingestor wired the way the binaries wire it.
func (c *cli) withIngestor(ctx context.Context, fn func(*webhook.Ingestor) error) error {
	return c.withBackend(ctx, func(b store.Backend) error {
		rdb, err := app.NewRedis(ctx, c.cfg)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
		}
		return fn(app.NewIngestor(c.cfg, b, app.NewNotifier(c.cfg, rdb, c.logger), app.NewSignal(rdb), c.logger))
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── migrate ──────────────────────────────────────────────────────────────────

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.DBDriver != "postgres" {
				// SQLite applies its schema on open; memory has none.
				return c.withBackend(cmd.Context(), func(store.Backend) error {
					fmt.Fprintf(cmd.OutOrStdout(), "%s schema ready\n", c.cfg.DBDriver)
					return nil
				})
			}
			version, err := store.RunMigrations(c.cfg.PostgresDSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

// ── jobs ─────────────────────────────────────────────────────────────────────

func (c *cli) jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect or act on jobs"}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(b store.Backend) error {
				job, err := b.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Queue a new attempt of an errored job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(b store.Backend) error {
				job, err := b.Reenqueue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not been claimed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(b store.Backend) error {
				job, err := b.CancelQueued(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "operator request", "reason stored on the job")

	jobs.AddCommand(get, requeue, cancel)
	return jobs
}

// ── events ───────────────────────────────────────────────────────────────────

func (c *cli) eventsCmd() *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Inspect and repair the webhook event ledger"}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded events, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *models.EventStatus
			if status != "" {
				st := models.EventStatus(status)
				filter = &st
			}
			return c.withBackend(cmd.Context(), func(b store.Backend) error {
				recs, err := b.ListEvents(cmd.Context(), filter, limit)
				if err != nil {
					return err
				}
				if recs == nil {
					recs = []models.EventRecord{}
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "received, processing, processed or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum events to print")

	redrive := &cobra.Command{
		Use:   "redrive <event-id>",
		Short: "Re-apply a failed event from its stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withIngestor(cmd.Context(), func(ing *webhook.Ingestor) error {
				outcome, err := ing.Redrive(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], outcome)
				return nil
			})
		},
	}

	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Fail events stuck in processing and re-apply events stuck in received",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				olderThan = c.cfg.WebhookStaleProcessing
			}
			return c.withIngestor(cmd.Context(), func(ing *webhook.Ingestor) error {
				res, err := ing.SweepStale(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale events, redrove %d\n", res.Failed, res.Redriven)
				return nil
			})
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default WEBHOOK_STALE_PROCESSING)")

	events.AddCommand(list, redrive, sweep)
	return events
}

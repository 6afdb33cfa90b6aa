package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/platform/auth"
	"github.com/animus-labs/runqueue/internal/platform/database"
	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/animus-labs/runqueue/internal/platform/logging"
	"github.com/animus-labs/runqueue/internal/platform/wakeup"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/animus-labs/runqueue/internal/repo/sqlstore"
	"github.com/animus-labs/runqueue/internal/service/runs"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	envErr := godotenv.Load()
	logger, err := logging.New(os.Stderr, "runctl")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("dotenv not loaded", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// session bundles what a command needs to talk to the database directly.
type session struct {
	store   *sqlstore.Store
	service *runs.Service
	close   func()
}

func openSession(ctx context.Context, logger *slog.Logger, withNotifier bool) (*session, error) {
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	store, db, err := sqlstore.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	closers := []func(){func() { _ = db.Close() }}

	opts := []runs.Option{runs.WithLogger(logger)}
	if withNotifier {
		wakeCfg, err := wakeup.ConfigFromEnv()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis config: %w", err)
		}
		if wakeCfg.Enabled() {
			client := wakeup.NewClient(wakeCfg)
			closers = append(closers, func() { _ = client.Close() })
			opts = append(opts, runs.WithNotifier(wakeup.NewPublisher(client, wakeCfg.Channel)))
		}
	}

	return &session{
		store:   store,
		service: runs.New(store, opts...),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:          "runctl",
		Short:        "Administer the run queue",
		Long:         "runctl operates on the run queue database directly: schema migration, enqueueing, cancellation and worker tokens.",
		SilenceUsage: true,
	}

	root.AddCommand(newMigrateCommand(logger))
	root.AddCommand(newEnqueueCommand(logger))
	root.AddCommand(newTriggerCommand(logger))
	root.AddCommand(newCancelCommand(logger))
	root.AddCommand(newGetCommand(logger))
	root.AddCommand(newListCommand(logger))
	root.AddCommand(newStatsCommand(logger))
	root.AddCommand(newAuditCommand(logger))
	root.AddCommand(newTokenCommand())
	return root
}

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema migrated (%s)\n", s.store.Dialect())
			return nil
		},
	}
}

func newEnqueueCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <session-id> <message-id>",
		Short: "Queue a run for an existing session message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, _ := cmd.Flags().GetString("mode")
			config, _ := cmd.Flags().GetString("config")

			s, err := openSession(cmd.Context(), logger, true)
			if err != nil {
				return err
			}
			defer s.close()

			var snapshot json.RawMessage
			if strings.TrimSpace(config) != "" {
				snapshot = json.RawMessage(config)
			}
			run, err := s.service.Enqueue(cmd.Context(), runs.EnqueueRequest{
				SessionID:      args[0],
				MessageID:      args[1],
				ScheduleMode:   mode,
				ConfigSnapshot: snapshot,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.RunFromDomain(run))
		},
	}
	cmd.Flags().String("mode", "", "schedule mode: immediate, scheduled or manual (default immediate)")
	cmd.Flags().String("config", "", "JSON config snapshot for the run")
	return cmd
}

func newTriggerCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <task-id>",
		Short: "Run a scheduled task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			mode, _ := cmd.Flags().GetString("mode")

			s, err := openSession(cmd.Context(), logger, true)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.service.TriggerScheduledTask(cmd.Context(), runs.TriggerRequest{
				TaskID:       args[0],
				UserID:       userID,
				ScheduleMode: mode,
			}, cliAuditInfo(userID))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.TriggerResponse{
				Run:       api.RunFromDomain(result.Run),
				SessionID: result.Session.ID,
				MessageID: result.Message.ID,
			})
		},
	}
	cmd.Flags().String("user", "", "owner of the task (required)")
	cmd.Flags().String("mode", "", "schedule mode for the new run (default manual)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCancelCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			actor, _ := cmd.Flags().GetString("actor")

			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			run, err := s.service.Cancel(cmd.Context(), args[0], reason, cliAuditInfo(actor))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.RunFromDomain(run))
		},
	}
	cmd.Flags().String("reason", "", "reason recorded in the audit log")
	cmd.Flags().String("actor", env.String("USER", ""), "actor recorded in the audit log")
	return cmd
}

func newGetCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			run, err := s.service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.RunFromDomain(run))
		},
	}
}

func newListCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs of a session or scheduled task, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			taskID, _ := cmd.Flags().GetString("task")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			if (sessionID == "") == (taskID == "") {
				return errors.New("exactly one of --session or --task is required")
			}

			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			page := repo.Page{Limit: limit, Offset: offset}.Normalize()
			var list []api.Run
			if sessionID != "" {
				found, err := s.service.ListBySession(cmd.Context(), sessionID, page)
				if err != nil {
					return err
				}
				list = api.RunsFromDomain(found)
			} else {
				found, err := s.service.ListByScheduledTask(cmd.Context(), taskID, page)
				if err != nil {
					return err
				}
				list = api.RunsFromDomain(found)
			}
			return printJSON(cmd.OutOrStdout(), api.RunList{Runs: list, Limit: page.Limit, Offset: page.Offset})
		},
	}
	cmd.Flags().String("session", "", "session id")
	cmd.Flags().String("task", "", "scheduled task id")
	cmd.Flags().Int("limit", repo.DefaultPageLimit, "page size (1-500)")
	cmd.Flags().Int("offset", 0, "rows to skip")
	return cmd
}

func newStatsCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count runs by lease state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			stats, err := s.store.QueueStats(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"queued":           stats.Queued,
				"claimed":          stats.Claimed,
				"running":          stats.Running,
				"expired_leases":   stats.ExpiredLeases,
				"oldest_queued_at": stats.OldestQueuedAt,
			})
		},
	}
}

func newAuditCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <resource-id>",
		Short: "Export the audit trail of a run or scheduled task as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			verify, _ := cmd.Flags().GetBool("verify")

			s, err := openSession(cmd.Context(), logger, false)
			if err != nil {
				return err
			}
			defer s.close()

			records, err := s.store.ListAuditEvents(cmd.Context(), resourceType, args[0], limit)
			if err != nil {
				return err
			}
			exp := auditlog.NewNDJSONExporter(cmd.OutOrStdout())
			for _, rec := range records {
				if verify {
					if err := rec.Verify(); err != nil {
						return err
					}
				}
				if err := exp.Export(cmd.Context(), rec); err != nil {
					return fmt.Errorf("export audit event %d: %w", rec.EventID, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("type", auditlog.ResourceRun, "resource type: run or scheduled_task")
	cmd.Flags().Int("limit", 1000, "maximum events to export")
	cmd.Flags().Bool("verify", false, "fail on the first event whose integrity hash does not match")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <worker-id>",
		Short: "Issue a worker token signed with RUNQUEUE_WORKER_TOKEN_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modes, _ := cmd.Flags().GetStringSlice("modes")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			secret := env.String("RUNQUEUE_WORKER_TOKEN_SECRET", "")
			if strings.TrimSpace(secret) == "" {
				return errors.New("RUNQUEUE_WORKER_TOKEN_SECRET is required")
			}
			if ttl <= 0 {
				var err error
				ttl, err = env.Duration("RUNQUEUE_WORKER_TOKEN_TTL", 24*time.Hour)
				if err != nil {
					return err
				}
			}
			token, err := auth.IssueWorkerToken(secret, args[0], modes, ttl, time.Now())
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSlice("modes", nil, "schedule modes recorded in the token")
	cmd.Flags().Duration("ttl", 0, "token lifetime (default RUNQUEUE_WORKER_TOKEN_TTL or 24h)")
	return cmd
}

func cliAuditInfo(actor string) runs.AuditInfo {
	actor = strings.TrimSpace(actor)
	if actor != "" {
		actor = "cli:" + actor
	}
	return runs.AuditInfo{Actor: actor, Service: "runctl"}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

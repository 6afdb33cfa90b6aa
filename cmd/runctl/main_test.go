package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auth"
	"github.com/animus-labs/runqueue/internal/platform/database"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/animus-labs/runqueue/internal/repo/sqlstore"
)

const testSecret = "runctl-secret-runctl-secret-runctl"

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "runctl.db"))
	t.Setenv("RUNQUEUE_REDIS_ADDR", "")
	t.Setenv("RUNQUEUE_WORKER_TOKEN_SECRET", testSecret)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedSession(t *testing.T) {
	t.Helper()
	cfg, err := database.ConfigFromEnv()
	if err != nil {
		t.Fatalf("db config: %v", err)
	}
	store, db, err := sqlstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	err = store.InTx(context.Background(), func(tx repo.Tx) error {
		if err := tx.InsertSession(context.Background(), domain.Session{
			ID: "sess-1", UserID: "user-1", Status: domain.SessionStatusPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.InsertMessage(context.Background(), domain.Message{
			ID: "msg-1", SessionID: "sess-1", Role: domain.MessageRoleUser,
			Content: domain.TextContent("hello"), TextPreview: "hello", CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertScheduledTask(context.Background(), domain.ScheduledTask{
			ID: "task-1", UserID: "user-1", Name: "nightly", Prompt: "run the nightly report",
			Enabled: true, ScheduleMode: domain.ScheduleModeScheduled, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestEnqueueGetCancel(t *testing.T) {
	setupEnv(t)
	if out, err := runCLI(t, "migrate"); err != nil || !strings.Contains(out, "schema migrated") {
		t.Fatalf("migrate: %v %q", err, out)
	}
	seedSession(t)

	out, err := runCLI(t, "enqueue", "sess-1", "msg-1", "--mode", "manual", "--config", `{"model":"small"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var run api.Run
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode enqueue output %q: %v", out, err)
	}
	if run.Status != string(domain.RunStatusQueued) || run.ScheduleMode != string(domain.ScheduleModeManual) {
		t.Fatalf("unexpected run: %+v", run)
	}

	out, err = runCLI(t, "get", run.ID)
	if err != nil || !strings.Contains(out, run.ID) {
		t.Fatalf("get: %v %q", err, out)
	}

	out, err = runCLI(t, "cancel", run.ID, "--reason", "operator request", "--actor", "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode cancel output: %v", err)
	}
	if run.Status != string(domain.RunStatusCanceled) {
		t.Fatalf("expected canceled, got %q", run.Status)
	}

	out, err = runCLI(t, "audit", "--verify", run.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &event); err != nil {
		t.Fatalf("decode audit line %q: %v", out, err)
	}
	if event["action"] != "run.canceled" || event["actor"] != "cli:alice" {
		t.Fatalf("unexpected audit event: %v", event)
	}

	out, err = runCLI(t, "list", "--session", "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list api.RunList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Runs) != 1 || list.Limit != repo.DefaultPageLimit {
		t.Fatalf("unexpected list: %+v", list)
	}

	if _, err := runCLI(t, "get", "missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
}

func TestTriggerAndStats(t *testing.T) {
	setupEnv(t)
	if _, err := runCLI(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedSession(t)

	if _, err := runCLI(t, "trigger", "task-1", "--user", "user-2"); err == nil {
		t.Fatalf("trigger for another user should fail")
	}
	out, err := runCLI(t, "trigger", "task-1", "--user", "user-1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	var resp api.TriggerResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if resp.Run.ScheduledTaskID != "task-1" || resp.SessionID == "" || resp.MessageID == "" {
		t.Fatalf("unexpected trigger response: %+v", resp)
	}

	out, err = runCLI(t, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["queued"] != float64(1) {
		t.Fatalf("expected one queued run, got %v", stats)
	}
}

func TestListRequiresOneFilter(t *testing.T) {
	setupEnv(t)
	if _, err := runCLI(t, "list"); err == nil {
		t.Fatalf("expected error without filter")
	}
	if _, err := runCLI(t, "list", "--session", "a", "--task", "b"); err == nil {
		t.Fatalf("expected error with both filters")
	}
}

func TestTokenCommand(t *testing.T) {
	setupEnv(t)
	out, err := runCLI(t, "token", "worker-7", "--modes", "immediate,manual", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := auth.VerifyWorkerToken(testSecret, strings.TrimSpace(out), time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.WorkerID() != "worker-7" || len(claims.ScheduleModes) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	t.Setenv("RUNQUEUE_WORKER_TOKEN_SECRET", "")
	if _, err := runCLI(t, "token", "worker-7"); err == nil {
		t.Fatalf("expected error without secret")
	}
}

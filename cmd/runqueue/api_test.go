package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/platform/auth"
	"github.com/animus-labs/runqueue/internal/platform/database"
	"github.com/animus-labs/runqueue/internal/platform/httpserver"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/animus-labs/runqueue/internal/repo/sqlstore"
	"github.com/animus-labs/runqueue/internal/service/runs"
)

const testSecret = "test-secret-test-secret-test-secret"

type testServer struct {
	srv   *httptest.Server
	store *sqlstore.Store
}

func newTestServer(t *testing.T, operatorRoles []string, limiter *claimLimiter) *testServer {
	t.Helper()

	ctx := context.Background()
	store, db, err := sqlstore.Open(ctx, database.Config{
		Driver:       database.DriverSQLite,
		URL:          filepath.Join(t.TempDir(), "api.db"),
		PingTimeout:  2 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	svc := runs.New(store, runs.WithLogger(logger))

	var next auth.Authenticator
	if len(operatorRoles) > 0 {
		next = auth.NewStaticAuthenticator(auth.Config{DevSubject: "operator-1", DevRoles: operatorRoles})
	}
	handler := routes(logger, newRunQueueAPI(logger, svc, limiter), auth.Middleware{
		Logger:        logger,
		Authenticator: auth.WorkerTokenAuthenticator{Secret: testSecret, Next: next},
		Authorize:     auth.RouteRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			_, err := store.AppendAudit(ctx, auditlog.AuthDenyEvent(serviceName, event))
			return err
		},
	}, httpserver.ReadinessCheck{Name: "sqlite", Check: store.Ping})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func (ts *testServer) seedSession(t *testing.T, sessionID, userID, prompt string) string {
	t.Helper()

	now := time.Now().UTC()
	messageID := "msg-" + sessionID
	err := ts.store.InTx(context.Background(), func(tx repo.Tx) error {
		if err := tx.InsertSession(context.Background(), domain.Session{
			ID: sessionID, UserID: userID, Status: domain.SessionStatusPending, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertMessage(context.Background(), domain.Message{
			ID: messageID, SessionID: sessionID, Role: domain.MessageRoleUser,
			Content: domain.TextContent(prompt), TextPreview: prompt, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return messageID
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func workerToken(t *testing.T, workerID string) string {
	t.Helper()
	token, err := auth.IssueWorkerToken(testSecret, workerID, nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func (ts *testServer) enqueue(t *testing.T, sessionID, messageID string) api.Run {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/sessions/"+sessionID+"/runs", "", api.EnqueueRequest{MessageID: messageID})
	if status != http.StatusCreated {
		t.Fatalf("enqueue status=%d body=%s", status, body)
	}
	return decode[api.Run](t, body)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, []string{auth.RoleOperator}, nil)
	messageID := ts.seedSession(t, "sess-1", "user-1", "summarize the inbox")
	queued := ts.enqueue(t, "sess-1", messageID)
	if queued.Status != string(domain.RunStatusQueued) {
		t.Fatalf("expected queued, got %q", queued.Status)
	}

	token := workerToken(t, "w1")
	status, body := ts.do(t, http.MethodPost, "/runs/claim", token, api.ClaimRequest{LeaseSeconds: 60})
	if status != http.StatusOK {
		t.Fatalf("claim status=%d body=%s", status, body)
	}
	claim := decode[api.ClaimResponse](t, body)
	if claim.Run.ID != queued.ID || claim.Prompt != "summarize the inbox" || claim.UserID != "user-1" {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	if claim.Run.ClaimedBy != "w1" || claim.Run.LeaseExpiresAt == nil {
		t.Fatalf("expected lease for w1, got %+v", claim.Run)
	}

	status, body = ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/start", token, nil)
	if status != http.StatusOK {
		t.Fatalf("start status=%d body=%s", status, body)
	}
	if run := decode[api.Run](t, body); run.Status != string(domain.RunStatusRunning) || run.Attempts != 1 {
		t.Fatalf("unexpected start result: %+v", run)
	}

	status, body = ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/complete", token, api.CompleteRequest{
		Result: json.RawMessage(`{"summary":"done"}`),
	})
	if status != http.StatusOK {
		t.Fatalf("complete status=%d body=%s", status, body)
	}

	status, body = ts.do(t, http.MethodGet, "/runs/"+queued.ID, "", nil)
	if status != http.StatusOK {
		t.Fatalf("get status=%d body=%s", status, body)
	}
	run := decode[api.Run](t, body)
	if run.Status != string(domain.RunStatusCompleted) || run.FinishedAt == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}
	if string(run.Result) != `{"summary":"done"}` {
		t.Fatalf("unexpected result %s", run.Result)
	}

	status, body = ts.do(t, http.MethodGet, "/sessions/sess-1/runs?limit=9999", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list status=%d body=%s", status, body)
	}
	list := decode[api.RunList](t, body)
	if len(list.Runs) != 1 || list.Limit != repo.MaxPageLimit {
		t.Fatalf("unexpected list: %+v", list)
	}

	session, err := ts.store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != domain.SessionStatusCompleted {
		t.Fatalf("expected completed session, got %q", session.Status)
	}
}

func TestClaimWithoutWorkReturnsNoContent(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	status, body := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{})
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", status, body)
	}
}

func TestClaimRejectsMismatchedWorker(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	status, body := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{WorkerID: "w2"})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", status, body)
	}
	if resp := decode[api.ErrorResponse](t, body); resp.Error != "worker_mismatch" || resp.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", resp)
	}
}

func TestClaimRejectsUnknownScheduleMode(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	status, body := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{ScheduleModes: []string{"hourly"}})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", status, body)
	}
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	status, _ := ts.do(t, http.MethodPost, "/runs/claim", "", api.ClaimRequest{WorkerID: "w1"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	status, _ = ts.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz should skip auth, got %d", status)
	}
	status, body := ts.do(t, http.MethodGet, "/readyz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("readyz status=%d body=%s", status, body)
	}
}

func TestWorkerCannotCancel(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	status, _ := ts.do(t, http.MethodPost, "/runs/run-1/cancel", workerToken(t, "w1"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for worker cancel, got %d", status)
	}
}

func TestStartByAnotherWorkerIsForbidden(t *testing.T) {
	ts := newTestServer(t, []string{auth.RoleOperator}, nil)
	messageID := ts.seedSession(t, "sess-1", "user-1", "hello")
	queued := ts.enqueue(t, "sess-1", messageID)

	if status, body := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{}); status != http.StatusOK {
		t.Fatalf("claim status=%d body=%s", status, body)
	}
	status, body := ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/start", workerToken(t, "w2"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", status, body)
	}

	run, err := ts.store.GetRun(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusClaimed || run.ClaimedBy != "w1" {
		t.Fatalf("run mutated by foreign worker: %+v", run)
	}
}

func TestCancelByOperator(t *testing.T) {
	ts := newTestServer(t, []string{auth.RoleOperator}, nil)
	messageID := ts.seedSession(t, "sess-1", "user-1", "hello")
	queued := ts.enqueue(t, "sess-1", messageID)

	status, body := ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/cancel", "", api.CancelRequest{Reason: "user abort"})
	if status != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", status, body)
	}
	if run := decode[api.Run](t, body); run.Status != string(domain.RunStatusCanceled) {
		t.Fatalf("expected canceled, got %+v", run)
	}

	status, body = ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/cancel", "", nil)
	if status != http.StatusOK {
		t.Fatalf("repeat cancel status=%d body=%s", status, body)
	}
	if run := decode[api.Run](t, body); run.Status != string(domain.RunStatusCanceled) {
		t.Fatalf("repeat cancel changed status: %+v", run)
	}
}

func TestGetUnknownRun(t *testing.T) {
	ts := newTestServer(t, []string{auth.RoleViewer}, nil)
	status, body := ts.do(t, http.MethodGet, "/runs/missing", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", status, body)
	}
}

func TestClaimIsRateLimitedPerWorker(t *testing.T) {
	ts := newTestServer(t, nil, newClaimLimiter(0.001, 1))

	if status, _ := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{}); status != http.StatusNoContent {
		t.Fatalf("first claim: expected 204, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w1"), api.ClaimRequest{}); status != http.StatusTooManyRequests {
		t.Fatalf("second claim: expected 429, got %d", status)
	}
	if status, _ := ts.do(t, http.MethodPost, "/runs/claim", workerToken(t, "w2"), api.ClaimRequest{}); status != http.StatusNoContent {
		t.Fatalf("other worker: expected 204, got %d", status)
	}
}

func TestTriggerScheduledTask(t *testing.T) {
	seedTask := func(t *testing.T, ts *testServer, userID string) {
		t.Helper()
		now := time.Now().UTC()
		err := ts.store.InTx(context.Background(), func(tx repo.Tx) error {
			return tx.InsertScheduledTask(context.Background(), domain.ScheduledTask{
				ID: "task-1", UserID: userID, Name: "digest", Prompt: "send the digest",
				Enabled: true, ScheduleMode: domain.ScheduleModeScheduled, CreatedAt: now, UpdatedAt: now,
			})
		})
		if err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	t.Run("own task", func(t *testing.T) {
		ts := newTestServer(t, []string{auth.RoleOperator}, nil)
		seedTask(t, ts, "operator-1")
		status, body := ts.do(t, http.MethodPost, "/scheduled-tasks/task-1/trigger", "", nil)
		if status != http.StatusCreated {
			t.Fatalf("trigger status=%d body=%s", status, body)
		}
		resp := decode[api.TriggerResponse](t, body)
		if resp.Run.ScheduledTaskID != "task-1" || resp.Run.ScheduleMode != string(domain.ScheduleModeManual) || resp.SessionID == "" {
			t.Fatalf("unexpected trigger response: %+v", resp)
		}

		status, body = ts.do(t, http.MethodGet, "/scheduled-tasks/task-1/runs", "", nil)
		if status != http.StatusOK {
			t.Fatalf("list status=%d body=%s", status, body)
		}
		if list := decode[api.RunList](t, body); len(list.Runs) != 1 || list.Runs[0].ID != resp.Run.ID {
			t.Fatalf("unexpected task runs: %+v", list)
		}
	})

	t.Run("other user needs admin", func(t *testing.T) {
		ts := newTestServer(t, []string{auth.RoleOperator}, nil)
		seedTask(t, ts, "user-2")
		status, _ := ts.do(t, http.MethodPost, "/scheduled-tasks/task-1/trigger", "", api.TriggerRequest{UserID: "user-2"})
		if status != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", status)
		}
	})

	t.Run("admin on behalf of user", func(t *testing.T) {
		ts := newTestServer(t, []string{auth.RoleAdmin}, nil)
		seedTask(t, ts, "user-2")
		status, body := ts.do(t, http.MethodPost, "/scheduled-tasks/task-1/trigger", "", api.TriggerRequest{UserID: "user-2"})
		if status != http.StatusCreated {
			t.Fatalf("expected 201, got %d body=%s", status, body)
		}
	})

	t.Run("task owned by someone else", func(t *testing.T) {
		ts := newTestServer(t, []string{auth.RoleOperator}, nil)
		seedTask(t, ts, "user-2")
		status, _ := ts.do(t, http.MethodPost, "/scheduled-tasks/task-1/trigger", "", nil)
		if status != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", status)
		}
	})
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/runs/claim", bytes.NewBufferString(`{"worker_id":"w1","bogus":1}`))
	var dst api.ClaimRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected unknown field error")
	}

	req = httptest.NewRequest(http.MethodPost, "/runs/x/cancel", http.NoBody)
	var cancel api.CancelRequest
	if err := decodeOptionalJSON(req, &cancel); err != nil {
		t.Fatalf("empty body should decode: %v", err)
	}
}

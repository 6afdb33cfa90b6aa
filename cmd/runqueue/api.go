package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/platform/auth"
	"github.com/animus-labs/runqueue/internal/platform/httpserver"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/animus-labs/runqueue/internal/service/runs"
)

const serviceName = "runqueue"

type runQueueAPI struct {
	logger  *slog.Logger
	svc     *runs.Service
	limiter *claimLimiter
}

func newRunQueueAPI(logger *slog.Logger, svc *runs.Service, limiter *claimLimiter) *runQueueAPI {
	return &runQueueAPI{logger: logger, svc: svc, limiter: limiter}
}

func (a *runQueueAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs/claim", a.handleClaim)
	mux.HandleFunc("GET /runs/{run_id}", a.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/start", a.handleStart)
	mux.HandleFunc("POST /runs/{run_id}/fail", a.handleFail)
	mux.HandleFunc("POST /runs/{run_id}/complete", a.handleComplete)
	mux.HandleFunc("POST /runs/{run_id}/cancel", a.handleCancel)

	mux.HandleFunc("GET /sessions/{session_id}/runs", a.handleListSessionRuns)
	mux.HandleFunc("POST /sessions/{session_id}/runs", a.handleEnqueue)

	mux.HandleFunc("GET /scheduled-tasks/{task_id}/runs", a.handleListTaskRuns)
	mux.HandleFunc("POST /scheduled-tasks/{task_id}/trigger", a.handleTrigger)
}

// routes assembles the full handler: health endpoints, the authenticated API
// and the request-id, logging and recovery middleware.
func routes(logger *slog.Logger, a *runQueueAPI, authn auth.Middleware, checks ...httpserver.ReadinessCheck) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	a.register(mux)

	authn.SkipPrefixes = append(authn.SkipPrefixes, "/healthz", "/readyz")
	return httpserver.Wrap(logger, serviceName, authn.Wrap(mux))
}

func (a *runQueueAPI) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req api.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	workerID, ok := a.resolveWorker(w, r, req.WorkerID)
	if !ok {
		return
	}
	if req.LeaseSeconds < 0 {
		a.writeError(w, r, http.StatusBadRequest, "invalid_lease", "lease_seconds must be >= 0")
		return
	}
	if !a.limiter.Allow(workerID) {
		w.Header().Set("Retry-After", "1")
		a.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "")
		return
	}

	resp, found, err := a.svc.Claim(r.Context(), runs.ClaimRequest{
		WorkerID:      workerID,
		ScheduleModes: req.ScheduleModes,
		Lease:         time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeJSON(w, http.StatusOK, api.ClaimResponse{
		Run:            api.RunFromDomain(resp.Run),
		UserID:         resp.UserID,
		Prompt:         resp.Prompt,
		ConfigSnapshot: resp.ConfigSnapshot,
		SDKSessionID:   resp.SDKSessionID,
		Reclaimed:      resp.Reclaimed,
	})
}

func (a *runQueueAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.pathValue(w, r, "run_id")
	if !ok {
		return
	}
	var req api.StartRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	workerID, ok := a.resolveWorker(w, r, req.WorkerID)
	if !ok {
		return
	}
	run, err := a.svc.Start(r.Context(), runID, workerID, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleFail(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.pathValue(w, r, "run_id")
	if !ok {
		return
	}
	var req api.FailRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	workerID, ok := a.resolveWorker(w, r, req.WorkerID)
	if !ok {
		return
	}
	run, err := a.svc.Fail(r.Context(), runID, workerID, req.Error, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleComplete(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.pathValue(w, r, "run_id")
	if !ok {
		return
	}
	var req api.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	workerID, ok := a.resolveWorker(w, r, req.WorkerID)
	if !ok {
		return
	}
	run, err := a.svc.Complete(r.Context(), runID, workerID, req.Result, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.pathValue(w, r, "run_id")
	if !ok {
		return
	}
	var req api.CancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	run, err := a.svc.Cancel(r.Context(), runID, req.Reason, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.pathValue(w, r, "run_id")
	if !ok {
		return
	}
	run, err := a.svc.Get(r.Context(), runID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleListSessionRuns(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.pathValue(w, r, "session_id")
	if !ok {
		return
	}
	page := pageFromQuery(r)
	list, err := a.svc.ListBySession(r.Context(), sessionID, page)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunList{Runs: api.RunsFromDomain(list), Limit: page.Limit, Offset: page.Offset})
}

func (a *runQueueAPI) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.pathValue(w, r, "task_id")
	if !ok {
		return
	}
	page := pageFromQuery(r)
	list, err := a.svc.ListByScheduledTask(r.Context(), taskID, page)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, api.RunList{Runs: api.RunsFromDomain(list), Limit: page.Limit, Offset: page.Offset})
}

func (a *runQueueAPI) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := a.pathValue(w, r, "session_id")
	if !ok {
		return
	}
	var req api.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	run, err := a.svc.Enqueue(r.Context(), runs.EnqueueRequest{
		SessionID:      sessionID,
		MessageID:      req.MessageID,
		ScheduleMode:   req.ScheduleMode,
		ConfigSnapshot: req.ConfigSnapshot,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	a.writeJSON(w, http.StatusCreated, api.RunFromDomain(run))
}

func (a *runQueueAPI) handleTrigger(w http.ResponseWriter, r *http.Request) {
	taskID, ok := a.pathValue(w, r, "task_id")
	if !ok {
		return
	}
	var req api.TriggerRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	userID := strings.TrimSpace(req.UserID)
	subject := strings.TrimSpace(identity.Subject)
	if userID == "" {
		userID = subject
	}
	// Triggering on behalf of another user is an admin action.
	if userID != subject && !auth.HasAtLeast(identity.Roles, auth.RoleAdmin) {
		a.writeError(w, r, http.StatusForbidden, "forbidden", "triggering another user's task requires admin")
		return
	}

	result, err := a.svc.TriggerScheduledTask(r.Context(), runs.TriggerRequest{
		TaskID:       taskID,
		UserID:       userID,
		ScheduleMode: req.ScheduleMode,
	}, auditInfo(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+result.Run.ID)
	a.writeJSON(w, http.StatusCreated, api.TriggerResponse{
		Run:       api.RunFromDomain(result.Run),
		SessionID: result.Session.ID,
		MessageID: result.Message.ID,
	})
}

// resolveWorker picks the acting worker id. A worker token pins the id: a
// body value naming a different worker is rejected.
func (a *runQueueAPI) resolveWorker(w http.ResponseWriter, r *http.Request, bodyWorkerID string) (string, bool) {
	workerID := strings.TrimSpace(bodyWorkerID)
	identity, _ := auth.IdentityFromContext(r.Context())
	if identity.WorkerID != "" {
		if workerID != "" && workerID != identity.WorkerID {
			a.writeError(w, r, http.StatusForbidden, "worker_mismatch", "worker_id does not match the presented token")
			return "", false
		}
		workerID = identity.WorkerID
	}
	if workerID == "" {
		a.writeError(w, r, http.StatusBadRequest, "worker_id_required", "")
		return "", false
	}
	return workerID, true
}

func (a *runQueueAPI) pathValue(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := strings.TrimSpace(r.PathValue(key))
	if v == "" {
		a.writeError(w, r, http.StatusBadRequest, key+"_required", "")
		return "", false
	}
	return v, true
}

func (a *runQueueAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case runs.IsIntegrity(err):
		a.logger.Error("run references missing rows", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		a.writeError(w, r, http.StatusConflict, "integrity_error", err.Error())
	case runs.IsNotFound(err):
		a.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case runs.IsForbidden(err):
		a.writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case runs.IsBadRequest(err):
		a.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	default:
		a.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		a.writeError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func (a *runQueueAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (a *runQueueAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	a.writeJSON(w, status, api.ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: r.Header.Get("X-Request-Id"),
	})
}

func auditInfo(r *http.Request) runs.AuditInfo {
	info := runs.AuditInfo{
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        auditlog.ParseRemoteIP(r.RemoteAddr),
		Service:   serviceName,
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		info.Actor = identity.Actor()
	}
	return info
}

func pageFromQuery(r *http.Request) repo.Page {
	return repo.Page{
		Limit:  parseIntQuery(r, "limit", repo.DefaultPageLimit),
		Offset: parseIntQuery(r, "offset", 0),
	}.Normalize()
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that also accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	err := decodeJSON(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

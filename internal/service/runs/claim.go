package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/repo"
)

type ClaimRequest struct {
	WorkerID      string
	ScheduleModes []string
	// Lease is the requested lease length; zero or negative selects the default.
	Lease time.Duration
}

type ClaimResponse struct {
	Run            domain.Run
	UserID         string
	Prompt         string
	ConfigSnapshot json.RawMessage
	SDKSessionID   string
	Reclaimed      bool
}

// Claim leases the oldest eligible run to the worker. ok is false when there
// is no work. The claim is committed before the session and message are
// resolved, so an integrity error still leaves the run leased until it expires.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (ClaimResponse, bool, error) {
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		return ClaimResponse{}, false, newError(KindBadRequest, "worker_id cannot be empty")
	}
	modes, err := domain.ParseScheduleModes(req.ScheduleModes)
	if err != nil {
		return ClaimResponse{}, false, newError(KindBadRequest, "%s", err.Error())
	}

	now := s.clock()
	lease := s.lease.Clamp(req.Lease)
	run, ok, err := s.store.ClaimNext(ctx, repo.ClaimParams{
		WorkerID:       workerID,
		Now:            now,
		LeaseExpiresAt: now.Add(lease),
		ScheduleModes:  modes,
	})
	if err != nil {
		return ClaimResponse{}, false, err
	}
	if !ok {
		s.recorder.ClaimEmpty(ctx)
		return ClaimResponse{}, false, nil
	}

	reclaimed := run.Claims > 1
	s.recorder.Claimed(ctx, run.ScheduleMode, reclaimed)
	s.logger.InfoContext(ctx, "run claimed",
		"run_id", run.ID,
		"worker_id", workerID,
		"schedule_mode", string(run.ScheduleMode),
		"reclaimed", reclaimed,
		"lease", lease.String(),
	)

	session, err := s.store.GetSession(ctx, run.SessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ClaimResponse{}, false, newError(KindIntegrity, "session %s for run %s not found", run.SessionID, run.ID)
		}
		return ClaimResponse{}, false, err
	}
	msg, err := s.store.GetMessage(ctx, run.UserMessageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ClaimResponse{}, false, newError(KindIntegrity, "message %s for run %s not found", run.UserMessageID, run.ID)
		}
		return ClaimResponse{}, false, err
	}
	prompt := domain.ExtractPrompt(msg)
	if prompt == "" {
		return ClaimResponse{}, false, newError(KindBadRequest, "unable to extract prompt from message")
	}

	return ClaimResponse{
		Run:            run,
		UserID:         session.UserID,
		Prompt:         prompt,
		ConfigSnapshot: run.EffectiveConfig(session),
		SDKSessionID:   session.SDKSessionID,
		Reclaimed:      reclaimed,
	}, true, nil
}

package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/repo"
)

const systemActor = "system"

// transition describes one guarded state change. guard returns proceed=false
// to hand the run back unchanged.
type transition struct {
	op              string
	workerID        string
	sessionRequired bool
	guard           func(run domain.Run) (bool, error)
	apply           func(run *domain.Run, now time.Time)
	after           func(ctx context.Context, tx repo.Tx, from domain.RunStatus, run domain.Run, now time.Time) error
}

func (s *Service) transition(ctx context.Context, runID string, info AuditInfo, t transition) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, newError(KindBadRequest, "run_id cannot be empty")
	}

	var (
		out     domain.Run
		from    domain.RunStatus
		changed bool
		denied  *domain.Run
	)
	err := s.store.InTx(ctx, func(tx repo.Tx) error {
		run, err := tx.LockRun(ctx, runID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return newError(KindNotFound, "run %s not found", runID)
			}
			return err
		}
		out = run

		proceed, err := t.guard(run)
		if err != nil {
			if IsForbidden(err) {
				denied = &run
			}
			return err
		}
		if !proceed {
			return nil
		}

		now := s.clock()
		from = run.Status
		t.apply(&run, now)
		if !domain.CanTransitionRunStatus(from, run.Status) {
			return newError(KindBadRequest, "run %s cannot move from %s to %s", run.ID, from, run.Status)
		}
		run.UpdatedAt = now
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		if err := s.projectSession(ctx, tx, run, now, t.sessionRequired); err != nil {
			return err
		}
		if err := s.syncScheduledTask(ctx, tx, run, now); err != nil {
			return err
		}
		if t.after != nil {
			if err := t.after(ctx, tx, from, run, now); err != nil {
				return err
			}
		}
		out = run
		changed = true
		return nil
	})
	if err != nil {
		if denied != nil {
			s.auditDenied(ctx, info, *denied, t.workerID, t.op)
			s.logger.WarnContext(ctx, "run ownership denied", "run_id", runID, "worker_id", t.workerID, "claimed_by", denied.ClaimedBy, "operation", t.op)
		}
		return domain.Run{}, err
	}
	if changed {
		s.recorder.Transition(ctx, from, out.Status)
		s.logger.InfoContext(ctx, "run transitioned", "run_id", out.ID, "worker_id", t.workerID, "from", string(from), "status", string(out.Status))
	}
	return out, nil
}

func (s *Service) projectSession(ctx context.Context, tx repo.Tx, run domain.Run, now time.Time, required bool) error {
	err := tx.UpdateSessionStatus(ctx, run.SessionID, domain.SessionStatusForRun(run.Status), now)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if required {
		return newError(KindNotFound, "session %s not found", run.SessionID)
	}
	s.logger.WarnContext(ctx, "session missing for run", "run_id", run.ID, "session_id", run.SessionID, "status", string(run.Status))
	return nil
}

func forbidden(run domain.Run) error {
	return newError(KindForbidden, "run %s is claimed by another worker", run.ID)
}

func requireWorker(workerID string) (string, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return "", newError(KindBadRequest, "worker_id cannot be empty")
	}
	return workerID, nil
}

// Start moves a claimed run to running. Repeating Start from the owning
// worker returns the run unchanged.
func (s *Service) Start(ctx context.Context, runID, workerID string, info AuditInfo) (domain.Run, error) {
	workerID, err := requireWorker(workerID)
	if err != nil {
		return domain.Run{}, err
	}
	return s.transition(ctx, runID, info, transition{
		op:              "start",
		workerID:        workerID,
		sessionRequired: true,
		guard: func(run domain.Run) (bool, error) {
			switch {
			case run.Status.Terminal():
				return false, nil
			case run.Status == domain.RunStatusRunning:
				if !run.OwnedBy(workerID) {
					return false, forbidden(run)
				}
				return false, nil
			case run.Status != domain.RunStatusClaimed && run.Status != domain.RunStatusQueued:
				return false, newError(KindBadRequest, "run %s cannot start from %s", run.ID, run.Status)
			case !run.OwnedBy(workerID):
				return false, forbidden(run)
			}
			return true, nil
		},
		apply: func(run *domain.Run, now time.Time) {
			run.Status = domain.RunStatusRunning
			run.StartedAt = &now
			run.LeaseExpiresAt = nil
			run.Attempts++
			if run.ClaimedBy == "" {
				run.ClaimedBy = workerID
			}
		},
	})
}

// finishGuard is shared by Fail and Complete: ownership first, then an
// idempotent repeat of the same outcome.
func finishGuard(workerID string, target domain.RunStatus) func(domain.Run) (bool, error) {
	return func(run domain.Run) (bool, error) {
		if !run.OwnedBy(workerID) {
			return false, forbidden(run)
		}
		if run.Status == target {
			return false, nil
		}
		if run.Status.Terminal() {
			return false, newError(KindBadRequest, "run %s is already %s", run.ID, run.Status)
		}
		return true, nil
	}
}

func (s *Service) Fail(ctx context.Context, runID, workerID, message string, info AuditInfo) (domain.Run, error) {
	workerID, err := requireWorker(workerID)
	if err != nil {
		return domain.Run{}, err
	}
	message = strings.TrimSpace(message)
	return s.transition(ctx, runID, info, transition{
		op:       "fail",
		workerID: workerID,
		guard:    finishGuard(workerID, domain.RunStatusFailed),
		apply: func(run *domain.Run, now time.Time) {
			run.Status = domain.RunStatusFailed
			run.LastError = message
			run.FinishedAt = &now
			run.LeaseExpiresAt = nil
		},
	})
}

// Complete records a successful outcome. A non-empty result must be JSON; it
// is archived before the transaction when an archive is configured.
func (s *Service) Complete(ctx context.Context, runID, workerID string, result json.RawMessage, info AuditInfo) (domain.Run, error) {
	workerID, err := requireWorker(workerID)
	if err != nil {
		return domain.Run{}, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, newError(KindBadRequest, "run_id cannot be empty")
	}
	if len(result) > 0 && !json.Valid(result) {
		return domain.Run{}, newError(KindBadRequest, "result must be valid json")
	}

	guard := finishGuard(workerID, domain.RunStatusCompleted)
	var objectKey string
	if s.archive != nil && len(result) > 0 {
		current, err := s.store.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Run{}, newError(KindNotFound, "run %s not found", runID)
			}
			return domain.Run{}, err
		}
		proceed, err := guard(current)
		if err != nil {
			if IsForbidden(err) {
				s.auditDenied(ctx, info, current, workerID, "complete")
			}
			return domain.Run{}, err
		}
		if !proceed {
			return current, nil
		}
		objectKey, err = s.archive.Put(ctx, runID, workerID, result)
		if err != nil {
			return domain.Run{}, err
		}
	}

	return s.transition(ctx, runID, info, transition{
		op:       "complete",
		workerID: workerID,
		guard:    guard,
		apply: func(run *domain.Run, now time.Time) {
			run.Status = domain.RunStatusCompleted
			run.FinishedAt = &now
			run.LeaseExpiresAt = nil
			if len(result) > 0 {
				run.Result = result
			}
			if objectKey != "" {
				run.ResultObjectKey = objectKey
			}
		},
	})
}

// Cancel stops a run from any non-terminal state regardless of ownership.
// claimed_by is kept so the last holder stays visible.
func (s *Service) Cancel(ctx context.Context, runID, reason string, info AuditInfo) (domain.Run, error) {
	reason = strings.TrimSpace(reason)
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = systemActor
	}
	return s.transition(ctx, runID, info, transition{
		op: "cancel",
		guard: func(run domain.Run) (bool, error) {
			return !run.Status.Terminal(), nil
		},
		apply: func(run *domain.Run, now time.Time) {
			run.Status = domain.RunStatusCanceled
			run.FinishedAt = &now
			run.LeaseExpiresAt = nil
		},
		after: func(ctx context.Context, tx repo.Tx, from domain.RunStatus, run domain.Run, now time.Time) error {
			_, err := tx.AppendAudit(ctx, auditlog.Event{
				OccurredAt:   now,
				Actor:        actor,
				Action:       auditlog.ActionRunCanceled,
				ResourceType: auditlog.ResourceRun,
				ResourceID:   run.ID,
				RequestID:    info.RequestID,
				IP:           info.IP,
				UserAgent:    info.UserAgent,
				Payload: map[string]any{
					"service":    strings.TrimSpace(info.Service),
					"reason":     reason,
					"from":       string(from),
					"claimed_by": run.ClaimedBy,
					"session_id": run.SessionID,
				},
			})
			return err
		},
	})
}

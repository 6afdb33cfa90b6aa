package runs

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/repo"
)

func (s *Service) Get(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, newError(KindBadRequest, "run_id cannot be empty")
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, newError(KindNotFound, "run %s not found", runID)
		}
		return domain.Run{}, err
	}
	return run, nil
}

// ListBySession returns the session's runs, newest first.
func (s *Service) ListBySession(ctx context.Context, sessionID string, page repo.Page) ([]domain.Run, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(KindBadRequest, "session_id cannot be empty")
	}
	return s.store.ListRunsBySession(ctx, sessionID, page.Normalize())
}

func (s *Service) ListByScheduledTask(ctx context.Context, taskID string, page repo.Page) ([]domain.Run, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, newError(KindBadRequest, "task_id cannot be empty")
	}
	return s.store.ListRunsByScheduledTask(ctx, taskID, page.Normalize())
}

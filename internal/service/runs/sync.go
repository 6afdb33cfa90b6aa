package runs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/repo"
)

// syncScheduledTask mirrors the run onto its scheduled task unless a newer
// run has already become the task's latest.
func (s *Service) syncScheduledTask(ctx context.Context, tx repo.Tx, run domain.Run, now time.Time) error {
	if strings.TrimSpace(run.ScheduledTaskID) == "" {
		return nil
	}
	task, err := tx.LockScheduledTask(ctx, run.ScheduledTaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if !task.SyncFromRun(run) {
		s.logger.DebugContext(ctx, "skipping stale task sync", "run_id", run.ID, "scheduled_task_id", task.ID, "last_run_id", task.LastRunID)
		return nil
	}
	return tx.UpdateScheduledTaskLastRun(ctx, task, now)
}

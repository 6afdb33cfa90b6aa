package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
)

const (
	scheduledTaskColumns = `id, user_id, name, prompt, enabled, schedule_mode, config_snapshot,
	last_run_id, last_run_status, last_error, created_at, updated_at`

	selectScheduledTaskQuery = `SELECT ` + scheduledTaskColumns + ` FROM scheduled_tasks WHERE id = $1`

	insertScheduledTaskQuery = `INSERT INTO scheduled_tasks (` + scheduledTaskColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	updateScheduledTaskLastRunQuery = `UPDATE scheduled_tasks SET
	last_run_id = $2,
	last_run_status = $3,
	last_error = $4,
	updated_at = $5
	WHERE id = $1`
)

func scanScheduledTask(row scanner) (domain.ScheduledTask, error) {
	var (
		task           domain.ScheduledTask
		mode           string
		configSnapshot []byte
		lastRunID      sql.NullString
		lastRunStatus  sql.NullString
		lastError      sql.NullString
		createdAt      scanTime
		updatedAt      scanTime
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Name,
		&task.Prompt,
		&task.Enabled,
		&mode,
		&configSnapshot,
		&lastRunID,
		&lastRunStatus,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.ScheduledTask{}, err
	}
	task.ScheduleMode = domain.ScheduleMode(mode)
	task.LastRunID = lastRunID.String
	task.LastRunStatus = domain.RunStatus(lastRunStatus.String)
	task.LastError = lastError.String
	task.CreatedAt = createdAt.Time
	task.UpdatedAt = updatedAt.Time
	if len(configSnapshot) > 0 {
		task.ConfigSnapshot = configSnapshot
	}
	return task, nil
}

// LockScheduledTask reads the task with a row lock held until the transaction ends.
func (t *txStore) LockScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ScheduledTask{}, fmt.Errorf("scheduled task id is required")
	}
	task, err := scanScheduledTask(t.conn.QueryRowContext(ctx, selectScheduledTaskQuery+t.dialect.forUpdate(), id))
	if err != nil {
		return domain.ScheduledTask{}, handleNotFound(err)
	}
	return task, nil
}

func (t *txStore) InsertScheduledTask(ctx context.Context, task domain.ScheduledTask) error {
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.UserID) == "" {
		return fmt.Errorf("scheduled task id and user id are required")
	}
	mode := task.ScheduleMode
	if mode == "" {
		mode = domain.ScheduleModeScheduled
	}
	createdAt := normalizeTime(task.CreatedAt)
	updatedAt := task.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := t.conn.ExecContext(ctx, insertScheduledTaskQuery,
		strings.TrimSpace(task.ID),
		strings.TrimSpace(task.UserID),
		strings.TrimSpace(task.Name),
		task.Prompt,
		task.Enabled,
		string(mode),
		nullJSON(task.ConfigSnapshot),
		nullIfEmpty(task.LastRunID),
		nullIfEmpty(string(task.LastRunStatus)),
		nullIfEmpty(task.LastError),
		createdAt,
		updatedAt.UTC(),
	)
	return classifyWriteError("insert scheduled task", err)
}

// UpdateScheduledTaskLastRun persists only the fields owned by run sync.
func (t *txStore) UpdateScheduledTaskLastRun(ctx context.Context, task domain.ScheduledTask, now time.Time) error {
	res, err := t.conn.ExecContext(ctx, updateScheduledTaskLastRunQuery,
		strings.TrimSpace(task.ID),
		nullIfEmpty(task.LastRunID),
		nullIfEmpty(string(task.LastRunStatus)),
		nullIfEmpty(task.LastError),
		normalizeTime(now),
	)
	if err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	return requireRowsAffected(res)
}

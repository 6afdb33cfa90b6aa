package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/repo"
)

const runColumns = `id, session_id, user_message_id, scheduled_task_id, status, schedule_mode,
	claimed_by, lease_expires_at, attempts, claims, started_at, finished_at, last_error,
	config_snapshot, result, result_object_key, created_at, updated_at`

// claimEligible matches queued runs and claimed/running runs whose lease
// lapsed before $3. It is evaluated twice: once to pick the candidate and
// again on the locked row so a concurrent claim can never be overwritten.
const claimEligible = `(status = 'queued'
		OR (status IN ('claimed', 'running') AND lease_expires_at IS NOT NULL AND lease_expires_at < $3))`

const (
	insertRunQuery = `INSERT INTO agent_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	updateRunQuery = `UPDATE agent_runs SET
	status = $2,
	claimed_by = $3,
	lease_expires_at = $4,
	attempts = $5,
	started_at = $6,
	finished_at = $7,
	last_error = $8,
	result = $9,
	result_object_key = $10,
	updated_at = $11
	WHERE id = $1`

	selectRunQuery = `SELECT ` + runColumns + ` FROM agent_runs WHERE id = $1`

	listRunsBySessionQuery = `SELECT ` + runColumns + ` FROM agent_runs
	WHERE session_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2 OFFSET $3`

	listRunsByTaskQuery = `SELECT ` + runColumns + ` FROM agent_runs
	WHERE scheduled_task_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2 OFFSET $3`

	queueStatsQuery = `SELECT
	COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'claimed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status IN ('claimed', 'running') AND lease_expires_at IS NOT NULL AND lease_expires_at < $1 THEN 1 ELSE 0 END), 0)
	FROM agent_runs
	WHERE status IN ('queued', 'claimed', 'running')`

	oldestQueuedQuery = `SELECT created_at FROM agent_runs
	WHERE status = 'queued'
	ORDER BY created_at ASC, id ASC
	LIMIT 1`
)

// claimQuery builds the single-statement claim. $1 worker, $2 lease expiry,
// $3 now, $4.. schedule modes.
func claimQuery(d Dialect, modeCount int) string {
	filter := claimEligible
	if modeCount > 0 {
		placeholders := make([]string, modeCount)
		for i := range placeholders {
			placeholders[i] = "$" + strconv.Itoa(i+4)
		}
		filter += "\n\t\tAND schedule_mode IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return `UPDATE agent_runs
	SET status = 'claimed',
		claimed_by = $1,
		lease_expires_at = $2,
		claims = claims + 1,
		updated_at = $3
	WHERE id = (
		SELECT id FROM agent_runs
		WHERE ` + filter + `
		ORDER BY created_at ASC, id ASC
		LIMIT 1` + d.skipLocked() + `
	)
	AND ` + filter + `
	RETURNING ` + runColumns
}

func scanRun(row scanner) (domain.Run, error) {
	var (
		run             domain.Run
		scheduledTaskID sql.NullString
		claimedBy       sql.NullString
		lastError       sql.NullString
		resultKey       sql.NullString
		status          string
		mode            string
		leaseExpiresAt  scanTime
		startedAt       scanTime
		finishedAt      scanTime
		createdAt       scanTime
		updatedAt       scanTime
		configSnapshot  []byte
		result          []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.SessionID,
		&run.UserMessageID,
		&scheduledTaskID,
		&status,
		&mode,
		&claimedBy,
		&leaseExpiresAt,
		&run.Attempts,
		&run.Claims,
		&startedAt,
		&finishedAt,
		&lastError,
		&configSnapshot,
		&result,
		&resultKey,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Run{}, err
	}
	run.ScheduledTaskID = scheduledTaskID.String
	run.Status = domain.RunStatus(status)
	run.ScheduleMode = domain.ScheduleMode(mode)
	run.ClaimedBy = claimedBy.String
	run.LeaseExpiresAt = leaseExpiresAt.ptr()
	run.StartedAt = startedAt.ptr()
	run.FinishedAt = finishedAt.ptr()
	run.LastError = lastError.String
	run.ResultObjectKey = resultKey.String
	run.CreatedAt = createdAt.Time
	run.UpdatedAt = updatedAt.Time
	if len(configSnapshot) > 0 {
		run.ConfigSnapshot = configSnapshot
	}
	if len(result) > 0 {
		run.Result = result
	}
	return run, nil
}

// ClaimNext atomically leases the oldest eligible run to params.WorkerID.
// ok is false when nothing is eligible.
func (s *Store) ClaimNext(ctx context.Context, params repo.ClaimParams) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, fmt.Errorf("run store not initialized")
	}
	workerID := strings.TrimSpace(params.WorkerID)
	if workerID == "" {
		return domain.Run{}, false, fmt.Errorf("worker id is required")
	}
	if params.Now.IsZero() || params.LeaseExpiresAt.IsZero() {
		return domain.Run{}, false, fmt.Errorf("claim time and lease expiry are required")
	}

	args := []any{workerID, params.LeaseExpiresAt.UTC(), params.Now.UTC()}
	for _, mode := range params.ScheduleModes {
		args = append(args, string(mode))
	}
	run, err := scanRun(s.conn.QueryRowContext(ctx, claimQuery(s.dialect, len(params.ScheduleModes)), args...))
	if err != nil {
		if errors.Is(handleNotFound(err), repo.ErrNotFound) {
			return domain.Run{}, false, nil
		}
		return domain.Run{}, false, fmt.Errorf("claim run: %w", err)
	}
	return run, true, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	return getRun(ctx, s.conn, id, "")
}

func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, page repo.Page) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return listRuns(ctx, s.conn, listRunsBySessionQuery, sessionID, page)
}

func (s *Store) ListRunsByScheduledTask(ctx context.Context, taskID string, page repo.Page) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("scheduled task id is required")
	}
	return listRuns(ctx, s.conn, listRunsByTaskQuery, taskID, page)
}

func (s *Store) QueueStats(ctx context.Context, now time.Time) (repo.QueueStats, error) {
	if s == nil || s.db == nil {
		return repo.QueueStats{}, fmt.Errorf("run store not initialized")
	}
	var stats repo.QueueStats
	if err := s.conn.QueryRowContext(ctx, queueStatsQuery, normalizeTime(now)).Scan(
		&stats.Queued, &stats.Claimed, &stats.Running, &stats.ExpiredLeases,
	); err != nil {
		return repo.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if stats.Queued == 0 {
		return stats, nil
	}
	var oldest scanTime
	if err := s.conn.QueryRowContext(ctx, oldestQueuedQuery).Scan(&oldest); err != nil {
		if errors.Is(handleNotFound(err), repo.ErrNotFound) {
			return stats, nil
		}
		return repo.QueueStats{}, fmt.Errorf("oldest queued run: %w", err)
	}
	stats.OldestQueuedAt = oldest.ptr()
	return stats, nil
}

func getRun(ctx context.Context, c conn, id string, lock string) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(c.QueryRowContext(ctx, selectRunQuery+lock, id))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func listRuns(ctx context.Context, c conn, query string, key string, page repo.Page) ([]domain.Run, error) {
	page = page.Normalize()
	rows, err := c.QueryContext(ctx, query, key, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (t *txStore) LockRun(ctx context.Context, id string) (domain.Run, error) {
	return getRun(ctx, t.conn, id, t.dialect.forUpdate())
}

func (t *txStore) InsertRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := t.conn.ExecContext(ctx, insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.SessionID),
		strings.TrimSpace(run.UserMessageID),
		nullIfEmpty(run.ScheduledTaskID),
		string(run.Status),
		string(run.ScheduleMode),
		nullIfEmpty(run.ClaimedBy),
		nullTimePtr(run.LeaseExpiresAt),
		run.Attempts,
		run.Claims,
		nullTimePtr(run.StartedAt),
		nullTimePtr(run.FinishedAt),
		nullIfEmpty(run.LastError),
		nullJSON(run.ConfigSnapshot),
		nullJSON(run.Result),
		nullIfEmpty(run.ResultObjectKey),
		createdAt,
		updatedAt.UTC(),
	)
	return classifyWriteError("insert run", err)
}

// UpdateRun writes every mutable column of run.
func (t *txStore) UpdateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	res, err := t.conn.ExecContext(ctx, updateRunQuery,
		strings.TrimSpace(run.ID),
		string(run.Status),
		nullIfEmpty(run.ClaimedBy),
		nullTimePtr(run.LeaseExpiresAt),
		run.Attempts,
		nullTimePtr(run.StartedAt),
		nullTimePtr(run.FinishedAt),
		nullIfEmpty(run.LastError),
		nullJSON(run.Result),
		nullIfEmpty(run.ResultObjectKey),
		normalizeTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRowsAffected(res)
}

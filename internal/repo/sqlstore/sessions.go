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
	sessionColumns = `id, user_id, title, status, config_snapshot, sdk_session_id, created_at, updated_at`

	selectSessionQuery = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	insertSessionQuery = `INSERT INTO sessions (` + sessionColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	updateSessionStatusQuery = `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`
)

func scanSession(row scanner) (domain.Session, error) {
	var (
		session        domain.Session
		title          sql.NullString
		status         string
		configSnapshot []byte
		sdkSessionID   sql.NullString
		createdAt      scanTime
		updatedAt      scanTime
	)
	if err := row.Scan(
		&session.ID,
		&session.UserID,
		&title,
		&status,
		&configSnapshot,
		&sdkSessionID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Session{}, err
	}
	session.Title = title.String
	session.Status = domain.SessionStatus(status)
	session.SDKSessionID = sdkSessionID.String
	session.CreatedAt = createdAt.Time
	session.UpdatedAt = updatedAt.Time
	if len(configSnapshot) > 0 {
		session.ConfigSnapshot = configSnapshot
	}
	return session, nil
}

func getSession(ctx context.Context, c conn, id string) (domain.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Session{}, fmt.Errorf("session id is required")
	}
	session, err := scanSession(c.QueryRowContext(ctx, selectSessionQuery, id))
	if err != nil {
		return domain.Session{}, handleNotFound(err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if s == nil || s.db == nil {
		return domain.Session{}, fmt.Errorf("run store not initialized")
	}
	return getSession(ctx, s.conn, id)
}

func (t *txStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return getSession(ctx, t.conn, id)
}

func (t *txStore) InsertSession(ctx context.Context, session domain.Session) error {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("session id and user id are required")
	}
	status := session.Status
	if status == "" {
		status = domain.SessionStatusPending
	}
	createdAt := normalizeTime(session.CreatedAt)
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := t.conn.ExecContext(ctx, insertSessionQuery,
		strings.TrimSpace(session.ID),
		strings.TrimSpace(session.UserID),
		nullIfEmpty(session.Title),
		string(status),
		nullJSON(session.ConfigSnapshot),
		nullIfEmpty(session.SDKSessionID),
		createdAt,
		updatedAt.UTC(),
	)
	return classifyWriteError("insert session", err)
}

func (t *txStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, now time.Time) error {
	res, err := t.conn.ExecContext(ctx, updateSessionStatusQuery, strings.TrimSpace(id), string(status), normalizeTime(now))
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRowsAffected(res)
}

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/runqueue/internal/domain"
)

const (
	messageColumns = `id, session_id, role, content, text_preview, created_at`

	selectMessageQuery = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	insertMessageQuery = `INSERT INTO messages (` + messageColumns + `) VALUES ($1,$2,$3,$4,$5,$6)`
)

func scanMessage(row scanner) (domain.Message, error) {
	var (
		msg       domain.Message
		content   []byte
		preview   sql.NullString
		createdAt scanTime
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &content, &preview, &createdAt); err != nil {
		return domain.Message{}, err
	}
	if len(content) > 0 {
		msg.Content = content
	}
	msg.TextPreview = preview.String
	msg.CreatedAt = createdAt.Time
	return msg, nil
}

func getMessage(ctx context.Context, c conn, id string) (domain.Message, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Message{}, fmt.Errorf("message id is required")
	}
	msg, err := scanMessage(c.QueryRowContext(ctx, selectMessageQuery, id))
	if err != nil {
		return domain.Message{}, handleNotFound(err)
	}
	return msg, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	if s == nil || s.db == nil {
		return domain.Message{}, fmt.Errorf("run store not initialized")
	}
	return getMessage(ctx, s.conn, id)
}

func (t *txStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return getMessage(ctx, t.conn, id)
}

func (t *txStore) InsertMessage(ctx context.Context, msg domain.Message) error {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.SessionID) == "" {
		return fmt.Errorf("message id and session id are required")
	}
	role := strings.TrimSpace(msg.Role)
	if role == "" {
		role = domain.MessageRoleUser
	}
	_, err := t.conn.ExecContext(ctx, insertMessageQuery,
		strings.TrimSpace(msg.ID),
		strings.TrimSpace(msg.SessionID),
		role,
		nullJSON(msg.Content),
		nullIfEmpty(msg.TextPreview),
		normalizeTime(msg.CreatedAt),
	)
	return classifyWriteError("insert message", err)
}

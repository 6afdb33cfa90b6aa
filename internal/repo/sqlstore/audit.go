package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/runqueue/internal/platform/auditlog"
)

const listAuditQuery = `SELECT
	event_id, occurred_at, actor, action, resource_type, resource_id,
	request_id, ip, user_agent, payload, integrity_sha256
FROM audit_events
WHERE resource_type = $1 AND resource_id = $2
ORDER BY event_id
LIMIT $3`

// ListAuditEvents returns the audit trail of one resource, oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, resourceType, resourceID string, limit int) ([]auditlog.Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	resourceType = strings.TrimSpace(resourceType)
	resourceID = strings.TrimSpace(resourceID)
	if resourceType == "" || resourceID == "" {
		return nil, fmt.Errorf("resource type and id are required")
	}
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.conn.QueryContext(ctx, listAuditQuery, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]auditlog.Record, 0)
	for rows.Next() {
		var (
			rec                      auditlog.Record
			occurredAt               scanTime
			requestID, ip, userAgent sql.NullString
			payload                  []byte
		)
		if err := rows.Scan(
			&rec.EventID,
			&occurredAt,
			&rec.Actor,
			&rec.Action,
			&rec.ResourceType,
			&rec.ResourceID,
			&requestID,
			&ip,
			&userAgent,
			&payload,
			&rec.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		rec.OccurredAt = occurredAt.Time
		rec.RequestID = requestID.String
		rec.IP = ip.String
		rec.UserAgent = userAgent.String
		rec.Payload = append([]byte(nil), payload...)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

package auditlog

import (
	"strings"

	"github.com/animus-labs/runqueue/internal/platform/auth"
)

// AuthDenyEvent converts a rejected request into an audit event.
func AuthDenyEvent(service string, event auth.DenyEvent) Event {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    event.RequestID,
		IP:           ParseRemoteIP(event.RemoteAddr),
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service":   service,
			"status":    event.Status,
			"reason":    event.Reason,
			"error":     event.Error,
			"subject":   event.Subject,
			"worker_id": event.WorkerID,
			"roles":     event.Roles,
		},
	}
}

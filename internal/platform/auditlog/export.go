package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrIntegrityMismatch reports a stored audit row whose hash no longer
// matches its content.
var ErrIntegrityMismatch = errors.New("audit integrity mismatch")

// Record is a stored audit row as read back for export.
type Record struct {
	EventID         int64
	OccurredAt      time.Time
	Actor           string
	Action          string
	ResourceType    string
	ResourceID      string
	RequestID       string
	IP              string
	UserAgent       string
	Payload         json.RawMessage
	IntegritySHA256 string
}

// Verify recomputes the integrity hash of a stored row.
func (r Record) Verify() error {
	sum, err := ComputeIntegritySHA256(Event{
		OccurredAt:   r.OccurredAt,
		Actor:        r.Actor,
		Action:       r.Action,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		RequestID:    r.RequestID,
		IP:           net.ParseIP(r.IP),
		UserAgent:    r.UserAgent,
	}, r.Payload)
	if err != nil {
		return fmt.Errorf("verify audit event %d: %w", r.EventID, err)
	}
	if sum != r.IntegritySHA256 {
		return fmt.Errorf("audit event %d: %w", r.EventID, ErrIntegrityMismatch)
	}
	return nil
}

// Exporter sends audit records to an external sink.
type Exporter interface {
	Export(ctx context.Context, record Record) error
}

// NDJSONExporter writes one JSON object per line.
type NDJSONExporter struct {
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.enc.Encode(exportRecord{
		EventID:         record.EventID,
		OccurredAt:      record.OccurredAt.UTC().Format(time.RFC3339Nano),
		Actor:           record.Actor,
		Action:          record.Action,
		ResourceType:    record.ResourceType,
		ResourceID:      record.ResourceID,
		RequestID:       record.RequestID,
		IP:              record.IP,
		UserAgent:       record.UserAgent,
		Payload:         payloadOrEmpty(record.Payload),
		IntegritySHA256: record.IntegritySHA256,
	})
}

type exportRecord struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      string          `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	RequestID       string          `json:"request_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

func payloadOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

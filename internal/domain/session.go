package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the coarse projection of a session's latest run.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCanceled  SessionStatus = "canceled"
)

type Session struct {
	ID             string
	UserID         string
	Title          string
	Status         SessionStatus
	ConfigSnapshot json.RawMessage
	SDKSessionID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionStatusForRun maps every run status onto the session projection.
func SessionStatusForRun(status RunStatus) SessionStatus {
	switch status {
	case RunStatusQueued, RunStatusClaimed:
		return SessionStatusPending
	case RunStatusRunning:
		return SessionStatusRunning
	case RunStatusCompleted:
		return SessionStatusCompleted
	case RunStatusFailed:
		return SessionStatusFailed
	case RunStatusCanceled:
		return SessionStatusCanceled
	default:
		return SessionStatusPending
	}
}

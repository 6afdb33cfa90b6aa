package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the persisted status of a queued run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

func AllRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusQueued,
		RunStatusClaimed,
		RunStatusRunning,
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusCanceled,
	}
}

func ParseRunStatus(value string) (RunStatus, error) {
	switch s := RunStatus(strings.ToLower(strings.TrimSpace(value))); s {
	case RunStatusQueued, RunStatusClaimed, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown run status %q", value)
	}
}

// Terminal reports whether no further transition is accepted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Leased reports whether the status can carry a reclaimable lease.
func (s RunStatus) Leased() bool {
	return s == RunStatusClaimed || s == RunStatusRunning
}

// CanTransitionRunStatus enforces forward-only progression. Re-claiming an
// expired claimed/running run is the one backward move and is modelled by the
// claim protocol, not by this check.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current.Terminal() {
		return false
	}
	if next == RunStatusCanceled {
		return true
	}
	return runStatusOrder(current) < runStatusOrder(next)
}

func runStatusOrder(status RunStatus) int {
	switch status {
	case RunStatusQueued:
		return 1
	case RunStatusClaimed:
		return 2
	case RunStatusRunning:
		return 3
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return 4
	default:
		return 0
	}
}

// Run is one schedulable execution of an agent task tied to a session.
type Run struct {
	ID              string
	SessionID       string
	UserMessageID   string
	ScheduledTaskID string
	Status          RunStatus
	ScheduleMode    ScheduleMode
	ClaimedBy       string
	LeaseExpiresAt  *time.Time
	Attempts        int
	Claims          int
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastError       string
	ConfigSnapshot  json.RawMessage
	Result          json.RawMessage
	ResultObjectKey string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(r.UserMessageID) == "" {
		return errors.New("user message id is required")
	}
	if _, err := ParseRunStatus(string(r.Status)); err != nil {
		return err
	}
	if _, err := ParseScheduleMode(string(r.ScheduleMode)); err != nil {
		return err
	}
	if r.Attempts < 0 {
		return errors.New("attempts must be >= 0")
	}
	if r.Status.Terminal() != (r.FinishedAt != nil) {
		return fmt.Errorf("finished_at must be set only for terminal runs (status %s)", r.Status)
	}
	if len(r.ConfigSnapshot) > 0 && !json.Valid(r.ConfigSnapshot) {
		return errors.New("config snapshot must be valid json")
	}
	return nil
}

// OwnedBy reports whether workerID may mutate the run. Unclaimed runs accept any worker.
func (r Run) OwnedBy(workerID string) bool {
	return r.ClaimedBy == "" || r.ClaimedBy == workerID
}

// LeaseExpired reports whether a claimed or running run's lease has lapsed at now.
func (r Run) LeaseExpired(now time.Time) bool {
	if !r.Status.Leased() || r.LeaseExpiresAt == nil {
		return false
	}
	return r.LeaseExpiresAt.Before(now)
}

// ClaimableAt mirrors the claim eligibility predicate used by the store.
func (r Run) ClaimableAt(now time.Time) bool {
	return r.Status == RunStatusQueued || r.LeaseExpired(now)
}

// EffectiveConfig falls back to the owning session's snapshot.
func (r Run) EffectiveConfig(session Session) json.RawMessage {
	if len(r.ConfigSnapshot) > 0 {
		return r.ConfigSnapshot
	}
	return session.ConfigSnapshot
}

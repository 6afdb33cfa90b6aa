package domain

import (
	"encoding/json"
	"time"
)

// ScheduledTask is a recurring task definition. The LastRun* fields and
// LastError are owned by the run synchronizer.
type ScheduledTask struct {
	ID             string
	UserID         string
	Name           string
	Prompt         string
	Enabled        bool
	ScheduleMode   ScheduleMode
	ConfigSnapshot json.RawMessage
	LastRunID      string
	LastRunStatus  RunStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncFromRun applies a run's outcome. It returns false without touching the
// task when the run is not the task's latest.
func (t *ScheduledTask) SyncFromRun(run Run) bool {
	if t.LastRunID != "" && t.LastRunID != run.ID {
		return false
	}
	t.LastRunID = run.ID
	t.LastRunStatus = run.Status
	switch run.Status {
	case RunStatusFailed:
		if run.LastError != "" {
			t.LastError = run.LastError
		}
	case RunStatusCompleted:
		t.LastError = ""
	}
	return true
}

// Package api holds the JSON wire types shared by the run queue server and
// its clients.
package api

import (
	"encoding/json"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
)

type Run struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	UserMessageID   string          `json:"user_message_id"`
	ScheduledTaskID string          `json:"scheduled_task_id,omitempty"`
	Status          string          `json:"status"`
	ScheduleMode    string          `json:"schedule_mode"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	Attempts        int             `json:"attempts"`
	Claims          int             `json:"claims"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ConfigSnapshot  json.RawMessage `json:"config_snapshot,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ResultObjectKey string          `json:"result_object_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func RunFromDomain(r domain.Run) Run {
	return Run{
		ID:              r.ID,
		SessionID:       r.SessionID,
		UserMessageID:   r.UserMessageID,
		ScheduledTaskID: r.ScheduledTaskID,
		Status:          string(r.Status),
		ScheduleMode:    string(r.ScheduleMode),
		ClaimedBy:       r.ClaimedBy,
		LeaseExpiresAt:  r.LeaseExpiresAt,
		Attempts:        r.Attempts,
		Claims:          r.Claims,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		LastError:       r.LastError,
		ConfigSnapshot:  r.ConfigSnapshot,
		Result:          r.Result,
		ResultObjectKey: r.ResultObjectKey,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func RunsFromDomain(runs []domain.Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunFromDomain(r))
	}
	return out
}

type ClaimRequest struct {
	WorkerID      string   `json:"worker_id"`
	ScheduleModes []string `json:"schedule_modes,omitempty"`
	LeaseSeconds  int      `json:"lease_seconds,omitempty"`
}

type ClaimResponse struct {
	Run            Run             `json:"run"`
	UserID         string          `json:"user_id"`
	Prompt         string          `json:"prompt"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	SDKSessionID   string          `json:"sdk_session_id,omitempty"`
	Reclaimed      bool            `json:"reclaimed,omitempty"`
}

type StartRequest struct {
	WorkerID string `json:"worker_id"`
}

type FailRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

type CompleteRequest struct {
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type EnqueueRequest struct {
	MessageID      string          `json:"message_id"`
	ScheduleMode   string          `json:"schedule_mode,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
}

type TriggerRequest struct {
	UserID       string `json:"user_id,omitempty"`
	ScheduleMode string `json:"schedule_mode,omitempty"`
}

type TriggerResponse struct {
	Run       Run    `json:"run"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

type RunList struct {
	Runs   []Run `json:"runs"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

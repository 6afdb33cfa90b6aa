package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.NewString()
}

type EnqueueRequest struct {
	SessionID      string
	MessageID      string
	ScheduleMode   string
	ConfigSnapshot json.RawMessage
}

// Enqueue creates a queued run for an existing session message.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (domain.Run, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	messageID := strings.TrimSpace(req.MessageID)
	if sessionID == "" {
		return domain.Run{}, newError(KindBadRequest, "session_id cannot be empty")
	}
	if messageID == "" {
		return domain.Run{}, newError(KindBadRequest, "message_id cannot be empty")
	}
	mode := domain.DefaultScheduleMode(false)
	if strings.TrimSpace(req.ScheduleMode) != "" {
		parsed, err := domain.ParseScheduleMode(req.ScheduleMode)
		if err != nil {
			return domain.Run{}, newError(KindBadRequest, "%s", err.Error())
		}
		mode = parsed
	}
	if len(req.ConfigSnapshot) > 0 && !json.Valid(req.ConfigSnapshot) {
		return domain.Run{}, newError(KindBadRequest, "config_snapshot must be valid json")
	}

	now := s.clock()
	run := domain.Run{
		ID:             s.newID(),
		SessionID:      sessionID,
		UserMessageID:  messageID,
		Status:         domain.RunStatusQueued,
		ScheduleMode:   mode,
		ConfigSnapshot: req.ConfigSnapshot,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.InTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return newError(KindNotFound, "session %s not found", sessionID)
			}
			return err
		}
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return newError(KindNotFound, "message %s not found", messageID)
			}
			return err
		}
		if msg.SessionID != sessionID {
			return newError(KindBadRequest, "message %s does not belong to session %s", messageID, sessionID)
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		return tx.UpdateSessionStatus(ctx, sessionID, domain.SessionStatusPending, now)
	})
	if err != nil {
		return domain.Run{}, err
	}

	s.logger.InfoContext(ctx, "run enqueued", "run_id", run.ID, "session_id", sessionID, "schedule_mode", string(mode))
	s.notify(ctx, mode)
	return run, nil
}

type TriggerRequest struct {
	TaskID       string
	UserID       string
	ScheduleMode string
}

type TriggerResult struct {
	Run     domain.Run
	Session domain.Session
	Message domain.Message
}

// TriggerScheduledTask starts a task now: it opens a fresh session holding the
// task prompt as the user message and queues a run that becomes the task's
// latest.
func (s *Service) TriggerScheduledTask(ctx context.Context, req TriggerRequest, info AuditInfo) (TriggerResult, error) {
	taskID := strings.TrimSpace(req.TaskID)
	userID := strings.TrimSpace(req.UserID)
	if taskID == "" {
		return TriggerResult{}, newError(KindBadRequest, "task_id cannot be empty")
	}
	if userID == "" {
		return TriggerResult{}, newError(KindBadRequest, "user_id cannot be empty")
	}
	mode := domain.ScheduleModeManual
	if strings.TrimSpace(req.ScheduleMode) != "" {
		parsed, err := domain.ParseScheduleMode(req.ScheduleMode)
		if err != nil {
			return TriggerResult{}, newError(KindBadRequest, "%s", err.Error())
		}
		mode = parsed
	}

	var out TriggerResult
	err := s.store.InTx(ctx, func(tx repo.Tx) error {
		task, err := tx.LockScheduledTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return newError(KindNotFound, "scheduled task %s not found", taskID)
			}
			return err
		}
		if task.UserID != userID {
			return newError(KindForbidden, "scheduled task %s belongs to another user", taskID)
		}
		if !task.Enabled {
			return newError(KindBadRequest, "scheduled task %s is disabled", taskID)
		}
		prompt := strings.TrimSpace(task.Prompt)
		if prompt == "" {
			return newError(KindBadRequest, "scheduled task %s has an empty prompt", taskID)
		}

		now := s.clock()
		session := domain.Session{
			ID:             s.newID(),
			UserID:         userID,
			Title:          task.Name,
			Status:         domain.SessionStatusPending,
			ConfigSnapshot: task.ConfigSnapshot,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		msg := domain.Message{
			ID:          s.newID(),
			SessionID:   session.ID,
			Role:        domain.MessageRoleUser,
			Content:     domain.TextContent(prompt),
			TextPreview: domain.Preview(prompt),
			CreatedAt:   now,
		}
		run := domain.Run{
			ID:              s.newID(),
			SessionID:       session.ID,
			UserMessageID:   msg.ID,
			ScheduledTaskID: task.ID,
			Status:          domain.RunStatusQueued,
			ScheduleMode:    mode,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}

		task.LastRunID = run.ID
		task.LastRunStatus = domain.RunStatusQueued
		if err := tx.UpdateScheduledTaskLastRun(ctx, task, now); err != nil {
			return err
		}

		actor := strings.TrimSpace(info.Actor)
		if actor == "" {
			actor = userID
		}
		if _, err := tx.AppendAudit(ctx, auditlog.Event{
			OccurredAt:   now,
			Actor:        actor,
			Action:       auditlog.ActionTaskTriggered,
			ResourceType: auditlog.ResourceScheduledTask,
			ResourceID:   task.ID,
			RequestID:    info.RequestID,
			IP:           info.IP,
			UserAgent:    info.UserAgent,
			Payload: map[string]any{
				"service":       strings.TrimSpace(info.Service),
				"run_id":        run.ID,
				"session_id":    session.ID,
				"schedule_mode": string(mode),
			},
		}); err != nil {
			return err
		}

		out = TriggerResult{Run: run, Session: session, Message: msg}
		return nil
	})
	if err != nil {
		return TriggerResult{}, err
	}

	s.logger.InfoContext(ctx, "scheduled task triggered", "scheduled_task_id", taskID, "run_id", out.Run.ID, "session_id", out.Session.ID)
	s.notify(ctx, mode)
	return out, nil
}

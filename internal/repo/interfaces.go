package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the limit to 1..MaxPageLimit and the offset to >= 0.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type ClaimParams struct {
	WorkerID       string
	Now            time.Time
	LeaseExpiresAt time.Time
	// ScheduleModes restricts eligible runs; empty means every mode.
	ScheduleModes []domain.ScheduleMode
}

// QueueStats counts runs by lease state at a given instant.
type QueueStats struct {
	Queued         int64
	Claimed        int64
	Running        int64
	ExpiredLeases  int64
	OldestQueuedAt *time.Time
}

// Store is the durable run store. ClaimNext is a single atomic statement;
// every other mutation goes through InTx.
type Store interface {
	ClaimNext(ctx context.Context, params ClaimParams) (domain.Run, bool, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRunsBySession(ctx context.Context, sessionID string, page Page) ([]domain.Run, error)
	ListRunsByScheduledTask(ctx context.Context, taskID string, page Page) ([]domain.Run, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	QueueStats(ctx context.Context, now time.Time) (QueueStats, error)
	AppendAudit(ctx context.Context, event auditlog.Event) (int64, error)
}

// Tx exposes row-locking reads and writes inside one transaction.
type Tx interface {
	LockRun(ctx context.Context, id string) (domain.Run, error)
	InsertRun(ctx context.Context, run domain.Run) error
	UpdateRun(ctx context.Context, run domain.Run) error

	GetSession(ctx context.Context, id string) (domain.Session, error)
	InsertSession(ctx context.Context, session domain.Session) error
	UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus, now time.Time) error

	GetMessage(ctx context.Context, id string) (domain.Message, error)
	InsertMessage(ctx context.Context, msg domain.Message) error

	LockScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	InsertScheduledTask(ctx context.Context, task domain.ScheduledTask) error
	UpdateScheduledTaskLastRun(ctx context.Context, task domain.ScheduledTask, now time.Time) error

	AppendAudit(ctx context.Context, event auditlog.Event) (int64, error)
}

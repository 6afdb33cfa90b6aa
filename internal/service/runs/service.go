package runs

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/repo"
)

const (
	DefaultLease = 30 * time.Second
	MaxLease     = time.Hour
)

// ResultArchive stores completion payloads out of band and returns the object key.
type ResultArchive interface {
	Put(ctx context.Context, runID, workerID string, payload []byte) (string, error)
}

// Notifier wakes idle workers after a run becomes claimable.
type Notifier interface {
	Notify(ctx context.Context, mode domain.ScheduleMode) error
}

type Recorder interface {
	Claimed(ctx context.Context, mode domain.ScheduleMode, reclaimed bool)
	ClaimEmpty(ctx context.Context)
	Transition(ctx context.Context, from, to domain.RunStatus)
}

type noopRecorder struct{}

func (noopRecorder) Claimed(context.Context, domain.ScheduleMode, bool)             {}
func (noopRecorder) ClaimEmpty(context.Context)                                     {}
func (noopRecorder) Transition(context.Context, domain.RunStatus, domain.RunStatus) {}

type LeaseConfig struct {
	Default time.Duration
	Max     time.Duration
}

// Clamp resolves a requested lease: non-positive means default, anything
// above Max is capped.
func (c LeaseConfig) Clamp(requested time.Duration) time.Duration {
	def := c.Default
	if def <= 0 {
		def = DefaultLease
	}
	max := c.Max
	if max <= 0 {
		max = MaxLease
	}
	if def > max {
		def = max
	}
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

type Service struct {
	store    repo.Store
	logger   *slog.Logger
	now      func() time.Time
	lease    LeaseConfig
	archive  ResultArchive
	notifier Notifier
	recorder Recorder
	newID    func() string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLease(cfg LeaseConfig) Option {
	return func(s *Service) { s.lease = cfg }
}

func WithResultArchive(archive ResultArchive) Option {
	return func(s *Service) { s.archive = archive }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func New(store repo.Store, opts ...Option) *Service {
	if store == nil {
		return nil
	}
	s := &Service{
		store:    store,
		logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
		now:      time.Now,
		lease:    LeaseConfig{Default: DefaultLease, Max: MaxLease},
		recorder: noopRecorder{},
		newID:    newUUID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// auditDenied records a rejected ownership attempt. It runs outside the
// transition transaction, which has already been rolled back.
func (s *Service) auditDenied(ctx context.Context, info AuditInfo, run domain.Run, workerID, op string) {
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = workerID
	}
	_, err := s.store.AppendAudit(ctx, auditlog.Event{
		OccurredAt:   s.clock(),
		Actor:        actor,
		Action:       auditlog.ActionRunOwnershipDenied,
		ResourceType: auditlog.ResourceRun,
		ResourceID:   run.ID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload: map[string]any{
			"service":    strings.TrimSpace(info.Service),
			"operation":  op,
			"worker_id":  workerID,
			"claimed_by": run.ClaimedBy,
			"status":     string(run.Status),
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit ownership denial failed", "run_id", run.ID, "worker_id", workerID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, mode domain.ScheduleMode) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, mode); err != nil {
		s.logger.WarnContext(ctx, "worker wakeup failed", "schedule_mode", string(mode), "error", err)
	}
}

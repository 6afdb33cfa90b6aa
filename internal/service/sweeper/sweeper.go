// Package sweeper periodically reports queue depth and abandoned leases.
// It only observes: reclamation itself happens in the claim predicate.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/animus-labs/runqueue/internal/platform/telemetry"
	"github.com/animus-labs/runqueue/internal/repo"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 30s"

type Config struct {
	Enabled  bool
	Schedule string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("RUNQUEUE_SWEEP_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:  enabled,
		Schedule: env.String("RUNQUEUE_SWEEP_SCHEDULE", DefaultSchedule),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Schedule) == "" {
		return errors.New("RUNQUEUE_SWEEP_SCHEDULE is required")
	}
	if _, err := parser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("RUNQUEUE_SWEEP_SCHEDULE: %w", err)
	}
	return nil
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type StatsSource interface {
	QueueStats(ctx context.Context, now time.Time) (repo.QueueStats, error)
}

type Observer interface {
	ObserveQueue(ctx context.Context, snap telemetry.QueueSnapshot)
}

type Sweeper struct {
	source   StatsSource
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(source StatsSource, observer Observer, logger *slog.Logger) *Sweeper {
	if source == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Sweeper{source: source, observer: observer, logger: logger, now: time.Now}
}

// Sweep takes one snapshot, records it and logs abandoned leases.
func (s *Sweeper) Sweep(ctx context.Context) (repo.QueueStats, error) {
	now := s.now().UTC()
	stats, err := s.source.QueueStats(ctx, now)
	if err != nil {
		return repo.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if s.observer != nil {
		s.observer.ObserveQueue(ctx, telemetry.QueueSnapshot{
			Queued:        stats.Queued,
			Claimed:       stats.Claimed,
			Running:       stats.Running,
			ExpiredLeases: stats.ExpiredLeases,
		})
	}

	attrs := []any{
		"queued", stats.Queued,
		"claimed", stats.Claimed,
		"running", stats.Running,
		"expired_leases", stats.ExpiredLeases,
	}
	if stats.OldestQueuedAt != nil {
		attrs = append(attrs, "oldest_queued_age", now.Sub(*stats.OldestQueuedAt).Round(time.Second).String())
	}
	if stats.ExpiredLeases > 0 {
		s.logger.WarnContext(ctx, "abandoned leases awaiting reclaim", attrs...)
	} else {
		s.logger.DebugContext(ctx, "queue sweep", attrs...)
	}
	return stats, nil
}

// Run sweeps on schedule until ctx is done, then waits for an in-flight sweep.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "queue sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "sweeper started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.InfoContext(context.Background(), "sweeper stopped")
	return nil
}

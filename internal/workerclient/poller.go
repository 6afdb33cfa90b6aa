package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"golang.org/x/time/rate"
)

const statusRunning = "running"

// Queue is the subset of Client the poller drives.
type Queue interface {
	Claim(ctx context.Context, modes []string, lease time.Duration) (api.ClaimResponse, bool, error)
	Start(ctx context.Context, runID string) (api.Run, error)
	Fail(ctx context.Context, runID, message string) (api.Run, error)
	Complete(ctx context.Context, runID string, result json.RawMessage) (api.Run, error)
}

type PollerConfig struct {
	ScheduleModes []string
	Lease         time.Duration
	PollInterval  time.Duration
	MaxBackoff    time.Duration
	// ClaimsPerSecond bounds claim calls; zero means unlimited.
	ClaimsPerSecond float64
}

type Poller struct {
	queue    Queue
	executor Executor
	logger   *slog.Logger
	cfg      PollerConfig
	limiter  *rate.Limiter
	wake     <-chan struct{}
}

func NewPoller(queue Queue, executor Executor, cfg PollerConfig, logger *slog.Logger) *Poller {
	if queue == nil || executor == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = 15 * cfg.PollInterval
	}
	limit := rate.Inf
	if cfg.ClaimsPerSecond > 0 {
		limit = rate.Limit(cfg.ClaimsPerSecond)
	}
	return &Poller{
		queue:    queue,
		executor: executor,
		logger:   logger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// WithWakeup cuts idle backoff short whenever wake fires.
func (p *Poller) WithWakeup(wake <-chan struct{}) *Poller {
	p.wake = wake
	return p
}

// Run polls until ctx is done. A run already started is executed to the end
// and reported before returning.
func (p *Poller) Run(ctx context.Context) error {
	backoff := p.cfg.PollInterval
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nilIfCanceled(ctx, err)
		}
		worked, err := p.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.WarnContext(ctx, "poll failed", "error", err)
		}
		if worked {
			backoff = p.cfg.PollInterval
			continue
		}
		if err := p.sleep(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// RunOnce claims and executes at most one run. It reports whether a run was
// claimed.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := p.queue.Claim(ctx, p.cfg.ScheduleModes, p.cfg.Lease)
	if err != nil || !ok {
		return false, err
	}
	runID := job.Run.ID
	log := p.logger.With("run_id", runID, "session_id", job.Run.SessionID)
	log.InfoContext(ctx, "run claimed", "reclaimed", job.Reclaimed, "attempts", job.Run.Attempts)

	started, err := p.queue.Start(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			log.WarnContext(ctx, "run taken over by another worker")
			return true, nil
		}
		return true, err
	}
	if started.Status != statusRunning {
		log.InfoContext(ctx, "run no longer runnable", "status", started.Status)
		return true, nil
	}

	// A started run is finished even if the poller is being shut down; the
	// executor's own timeout still bounds it.
	finishCtx := context.WithoutCancel(ctx)
	result, execErr := p.executor.Execute(finishCtx, job)
	if execErr != nil {
		log.WarnContext(ctx, "run failed", "error", execErr)
		if _, err := p.queue.Fail(finishCtx, runID, execErr.Error()); err != nil {
			return true, err
		}
		return true, nil
	}
	if _, err := p.queue.Complete(finishCtx, runID, result); err != nil {
		return true, err
	}
	log.InfoContext(ctx, "run completed")
	return true, nil
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case _, ok := <-p.wake:
		if !ok {
			p.wake = nil
		}
		return nil
	}
}

func nilIfCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

package sweeper

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/telemetry"
	"github.com/animus-labs/runqueue/internal/repo"
)

type fakeSource struct {
	mu    sync.Mutex
	stats repo.QueueStats
	err   error
	calls int
}

func (f *fakeSource) QueueStats(context.Context, time.Time) (repo.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats, f.err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeObserver struct {
	snaps []telemetry.QueueSnapshot
}

func (o *fakeObserver) ObserveQueue(_ context.Context, snap telemetry.QueueSnapshot) {
	o.snaps = append(o.snaps, snap)
}

func TestSweepReportsExpiredLeases(t *testing.T) {
	oldest := time.Now().Add(-time.Minute)
	source := &fakeSource{stats: repo.QueueStats{Queued: 3, Claimed: 2, Running: 1, ExpiredLeases: 2, OldestQueuedAt: &oldest}}
	observer := &fakeObserver{}
	var buf bytes.Buffer
	s := New(source, observer, slog.New(slog.NewJSONHandler(&buf, nil)))

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.ExpiredLeases != 2 {
		t.Fatalf("expired=%d", stats.ExpiredLeases)
	}
	if len(observer.snaps) != 1 || observer.snaps[0].Queued != 3 || observer.snaps[0].ExpiredLeases != 2 {
		t.Fatalf("unexpected snapshots: %+v", observer.snaps)
	}
	if !strings.Contains(buf.String(), "abandoned leases awaiting reclaim") {
		t.Fatalf("expected warning log, got %s", buf.String())
	}
}

func TestSweepPropagatesErrors(t *testing.T) {
	s := New(&fakeSource{err: errors.New("db down")}, nil, nil)
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewRequiresSource(t *testing.T) {
	if New(nil, nil, nil) != nil {
		t.Fatalf("expected nil sweeper")
	}
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	source := &fakeSource{}
	s := New(source, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "@every 1s") }()

	deadline := time.Now().Add(5 * time.Second)
	for source.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if source.count() == 0 {
		t.Fatalf("expected at least one sweep")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Enabled: true, Schedule: "not a schedule"}).Validate(); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if err := (Config{Enabled: false}).Validate(); err != nil {
		t.Fatalf("disabled config should validate: %v", err)
	}
	if err := (Config{Enabled: true, Schedule: "*/15 * * * * *"}).Validate(); err != nil {
		t.Fatalf("six-field schedule: %v", err)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	s := New(&fakeSource{}, nil, nil)
	if err := s.Run(context.Background(), "every tuesday"); err == nil {
		t.Fatalf("expected schedule error")
	}
}

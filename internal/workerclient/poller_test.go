package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []api.ClaimResponse
	startErr  error
	startAs   string
	claims    int
	started   []string
	failed    map[string]string
	completed map[string]json.RawMessage
}

func newFakeQueue(jobs ...api.ClaimResponse) *fakeQueue {
	return &fakeQueue{jobs: jobs, failed: map[string]string{}, completed: map[string]json.RawMessage{}}
}

func (q *fakeQueue) Claim(context.Context, []string, time.Duration) (api.ClaimResponse, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims++
	if len(q.jobs) == 0 {
		return api.ClaimResponse{}, false, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true, nil
}

func (q *fakeQueue) Start(_ context.Context, runID string) (api.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.startErr != nil {
		return api.Run{}, q.startErr
	}
	q.started = append(q.started, runID)
	if q.startAs != "" {
		return api.Run{ID: runID, Status: q.startAs}, nil
	}
	return api.Run{ID: runID, Status: "running"}, nil
}

func (q *fakeQueue) Fail(_ context.Context, runID, message string) (api.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[runID] = message
	return api.Run{ID: runID, Status: "failed"}, nil
}

func (q *fakeQueue) Complete(_ context.Context, runID string, result json.RawMessage) (api.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[runID] = result
	return api.Run{ID: runID, Status: "completed"}, nil
}

func (q *fakeQueue) claimCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claims
}

type funcExecutor func(ctx context.Context, job api.ClaimResponse) (json.RawMessage, error)

func (f funcExecutor) Execute(ctx context.Context, job api.ClaimResponse) (json.RawMessage, error) {
	return f(ctx, job)
}

func job(id, prompt string) api.ClaimResponse {
	return api.ClaimResponse{Run: api.Run{ID: id, SessionID: "sess-" + id}, Prompt: prompt}
}

func TestRunOnceCompletes(t *testing.T) {
	q := newFakeQueue(job("run-1", "hi"))
	p := NewPoller(q, funcExecutor(func(_ context.Context, j api.ClaimResponse) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":"` + j.Prompt + `"}`), nil
	}), PollerConfig{}, nil)

	worked, err := p.RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("run once: worked=%v err=%v", worked, err)
	}
	if string(q.completed["run-1"]) != `{"echo":"hi"}` {
		t.Fatalf("unexpected completion: %v", q.completed)
	}
	if len(q.started) != 1 {
		t.Fatalf("expected start before execute")
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	q := newFakeQueue(job("run-1", "hi"))
	p := NewPoller(q, funcExecutor(func(context.Context, api.ClaimResponse) (json.RawMessage, error) {
		return nil, errors.New("tool crashed")
	}), PollerConfig{}, nil)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if q.failed["run-1"] != "tool crashed" {
		t.Fatalf("unexpected failures: %v", q.failed)
	}
}

func TestRunOnceSkipsRunTakenOver(t *testing.T) {
	q := newFakeQueue(job("run-1", "hi"))
	q.startErr = &APIError{StatusCode: 403}
	executed := false
	p := NewPoller(q, funcExecutor(func(context.Context, api.ClaimResponse) (json.RawMessage, error) {
		executed = true
		return nil, nil
	}), PollerConfig{}, nil)

	worked, err := p.RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("run once: worked=%v err=%v", worked, err)
	}
	if executed || len(q.failed) != 0 {
		t.Fatalf("run owned by another worker must not execute")
	}
}

func TestRunOnceSkipsRunCanceledBeforeStart(t *testing.T) {
	q := newFakeQueue(job("run-1", "hi"))
	q.startAs = "canceled"
	executed := false
	p := NewPoller(q, funcExecutor(func(context.Context, api.ClaimResponse) (json.RawMessage, error) {
		executed = true
		return json.RawMessage(`{}`), nil
	}), PollerConfig{}, nil)

	worked, err := p.RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("run once: worked=%v err=%v", worked, err)
	}
	if executed {
		t.Fatalf("canceled run must not execute")
	}
	if len(q.completed) != 0 || len(q.failed) != 0 {
		t.Fatalf("canceled run must not be reported: completed=%v failed=%v", q.completed, q.failed)
	}
}

func TestRunFinishesStartedRunOnShutdown(t *testing.T) {
	q := newFakeQueue(job("run-1", "hi"))
	executing := make(chan struct{})
	release := make(chan struct{})
	p := NewPoller(q, funcExecutor(func(ctx context.Context, _ api.ClaimResponse) (json.RawMessage, error) {
		close(executing)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"ok":true}`), nil
	}), PollerConfig{PollInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-executing
	cancel()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.failed) != 0 {
		t.Fatalf("shutdown must not fail the run: %v", q.failed)
	}
	if string(q.completed["run-1"]) != `{"ok":true}` {
		t.Fatalf("expected run completed, got %v", q.completed)
	}
}

func TestRunSurvivesClosedWakeChannel(t *testing.T) {
	q := newFakeQueue()
	wake := make(chan struct{})
	close(wake)
	p := NewPoller(q, funcExecutor(func(context.Context, api.ClaimResponse) (json.RawMessage, error) {
		return nil, nil
	}), PollerConfig{PollInterval: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil).WithWakeup(wake)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Without the wake channel the poller sleeps 50ms between claims.
	if n := q.claimCount(); n > 20 {
		t.Fatalf("poller spun on closed wake channel: %d claims", n)
	}
}

func TestRunWakesEarly(t *testing.T) {
	q := newFakeQueue()
	wake := make(chan struct{}, 1)
	p := NewPoller(q, funcExecutor(func(context.Context, api.ClaimResponse) (json.RawMessage, error) {
		return nil, nil
	}), PollerConfig{PollInterval: time.Hour}, nil).WithWakeup(wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return q.claimCount() >= 1 })
	wake <- struct{}{}
	waitFor(t, func() bool { return q.claimCount() >= 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommandExecutor(t *testing.T) {
	job := api.ClaimResponse{Run: api.Run{ID: "run-1"}, Prompt: "plain text prompt"}

	out, err := CommandExecutor{Command: []string{"cat"}}.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if string(out) != `{"output":"plain text prompt"}` {
		t.Fatalf("unexpected wrapped output: %s", out)
	}

	out, err = CommandExecutor{Command: []string{"sh", "-c", `printf '{"run":"%s"}' "$RUNQUEUE_RUN_ID"`}}.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("sh json: %v", err)
	}
	if string(out) != `{"run":"run-1"}` {
		t.Fatalf("unexpected json output: %s", out)
	}

	_, err = CommandExecutor{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}.Execute(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	if _, err := (CommandExecutor{}).Execute(context.Background(), job); err == nil {
		t.Fatalf("expected missing command error")
	}
}

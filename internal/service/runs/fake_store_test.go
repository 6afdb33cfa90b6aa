package runs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/repo"
)

type fakeState struct {
	runs     map[string]domain.Run
	sessions map[string]domain.Session
	messages map[string]domain.Message
	tasks    map[string]domain.ScheduledTask
	audit    []auditlog.Event
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		runs:     make(map[string]domain.Run, len(s.runs)),
		sessions: make(map[string]domain.Session, len(s.sessions)),
		messages: make(map[string]domain.Message, len(s.messages)),
		tasks:    make(map[string]domain.ScheduledTask, len(s.tasks)),
		audit:    append([]auditlog.Event(nil), s.audit...),
	}
	for k, v := range s.runs {
		out.runs[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.messages {
		out.messages[k] = v
	}
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	return out
}

// fakeStore keeps everything in memory; InTx works on a copy that replaces
// the committed state only when fn succeeds.
type fakeStore struct {
	mu        sync.Mutex
	state     fakeState
	auditErr  error
	commits   int
	rollbacks int
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: fakeState{}.clone()}
}

func (f *fakeStore) ClaimNext(_ context.Context, params repo.ClaimParams) (domain.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allowed := map[domain.ScheduleMode]bool{}
	for _, m := range params.ScheduleModes {
		allowed[m] = true
	}
	candidates := make([]domain.Run, 0)
	for _, run := range f.state.runs {
		if !run.ClaimableAt(params.Now) {
			continue
		}
		if len(allowed) > 0 && !allowed[run.ScheduleMode] {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return domain.Run{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	run := candidates[0]
	lease := params.LeaseExpiresAt
	run.Status = domain.RunStatusClaimed
	run.ClaimedBy = params.WorkerID
	run.LeaseExpiresAt = &lease
	run.Claims++
	run.UpdatedAt = params.Now
	f.state.runs[run.ID] = run
	return run, true, nil
}

func (f *fakeStore) InTx(_ context.Context, fn func(tx repo.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx := &fakeTx{state: f.state.clone(), auditErr: f.auditErr}
	if err := fn(tx); err != nil {
		f.rollbacks++
		return err
	}
	f.state = tx.state
	f.commits++
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.state.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) ListRunsBySession(_ context.Context, sessionID string, page repo.Page) ([]domain.Run, error) {
	return f.list(func(r domain.Run) bool { return r.SessionID == sessionID }, page), nil
}

func (f *fakeStore) ListRunsByScheduledTask(_ context.Context, taskID string, page repo.Page) ([]domain.Run, error) {
	return f.list(func(r domain.Run) bool { return r.ScheduledTaskID == taskID }, page), nil
}

func (f *fakeStore) list(match func(domain.Run) bool, page repo.Page) []domain.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range f.state.runs {
		if match(run) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if page.Offset >= len(out) {
		return []domain.Run{}
	}
	out = out[page.Offset:]
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out
}

func (f *fakeStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.state.sessions[id]
	if !ok {
		return domain.Session{}, repo.ErrNotFound
	}
	return session, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.state.messages[id]
	if !ok {
		return domain.Message{}, repo.ErrNotFound
	}
	return msg, nil
}

func (f *fakeStore) QueueStats(_ context.Context, now time.Time) (repo.QueueStats, error) {
	return repo.QueueStats{}, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, event auditlog.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return 0, f.auditErr
	}
	f.state.audit = append(f.state.audit, event)
	return int64(len(f.state.audit)), nil
}

func (f *fakeStore) run(id string) domain.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.runs[id]
}

func (f *fakeStore) session(id string) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.sessions[id]
}

func (f *fakeStore) task(id string) domain.ScheduledTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.tasks[id]
}

func (f *fakeStore) auditEvents() []auditlog.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditlog.Event(nil), f.state.audit...)
}

type fakeTx struct {
	state    fakeState
	auditErr error
}

func (t *fakeTx) LockRun(_ context.Context, id string) (domain.Run, error) {
	run, ok := t.state.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (t *fakeTx) InsertRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	if _, ok := t.state.runs[run.ID]; ok {
		return repo.ErrConflict
	}
	t.state.runs[run.ID] = run
	return nil
}

func (t *fakeTx) UpdateRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	if _, ok := t.state.runs[run.ID]; !ok {
		return repo.ErrNotFound
	}
	t.state.runs[run.ID] = run
	return nil
}

func (t *fakeTx) GetSession(_ context.Context, id string) (domain.Session, error) {
	session, ok := t.state.sessions[id]
	if !ok {
		return domain.Session{}, repo.ErrNotFound
	}
	return session, nil
}

func (t *fakeTx) InsertSession(_ context.Context, session domain.Session) error {
	if _, ok := t.state.sessions[session.ID]; ok {
		return repo.ErrConflict
	}
	t.state.sessions[session.ID] = session
	return nil
}

func (t *fakeTx) UpdateSessionStatus(_ context.Context, id string, status domain.SessionStatus, now time.Time) error {
	session, ok := t.state.sessions[id]
	if !ok {
		return repo.ErrNotFound
	}
	session.Status = status
	session.UpdatedAt = now
	t.state.sessions[id] = session
	return nil
}

func (t *fakeTx) GetMessage(_ context.Context, id string) (domain.Message, error) {
	msg, ok := t.state.messages[id]
	if !ok {
		return domain.Message{}, repo.ErrNotFound
	}
	return msg, nil
}

func (t *fakeTx) InsertMessage(_ context.Context, msg domain.Message) error {
	if _, ok := t.state.messages[msg.ID]; ok {
		return repo.ErrConflict
	}
	t.state.messages[msg.ID] = msg
	return nil
}

func (t *fakeTx) LockScheduledTask(_ context.Context, id string) (domain.ScheduledTask, error) {
	task, ok := t.state.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, repo.ErrNotFound
	}
	return task, nil
}

func (t *fakeTx) InsertScheduledTask(_ context.Context, task domain.ScheduledTask) error {
	t.state.tasks[task.ID] = task
	return nil
}

func (t *fakeTx) UpdateScheduledTaskLastRun(_ context.Context, task domain.ScheduledTask, now time.Time) error {
	current, ok := t.state.tasks[task.ID]
	if !ok {
		return repo.ErrNotFound
	}
	current.LastRunID = task.LastRunID
	current.LastRunStatus = task.LastRunStatus
	current.LastError = task.LastError
	current.UpdatedAt = now
	t.state.tasks[task.ID] = current
	return nil
}

func (t *fakeTx) AppendAudit(_ context.Context, event auditlog.Event) (int64, error) {
	if t.auditErr != nil {
		return 0, t.auditErr
	}
	t.state.audit = append(t.state.audit, event)
	return int64(len(t.state.audit)), nil
}

// seed helpers write directly to committed state.

func (f *fakeStore) putSession(s domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.sessions[s.ID] = s
}

func (f *fakeStore) putMessage(m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.messages[m.ID] = m
}

func (f *fakeStore) putRun(r domain.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.runs[r.ID] = r
}

func (f *fakeStore) putTask(t domain.ScheduledTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.tasks[t.ID] = t
}

package store

import (
	"context"
	"sort"
	"time"

	"github.com/itskum47/TradeForge/engine/task"
)

// MemoryStore keeps everything in maps. One mutex per logical table, matching
// the locking discipline of the durable backends. Reads hand out clones so
// callers never share row memory.
type MemoryStore struct {
	tasks      lockedTasks
	workflows  lockedWorkflows
	events     lockedEvents
	fires      lockedFires
	dependents map[string][]string // dep id -> dependent ids, guarded by tasks lock
}

type lockedTasks struct {
	mu   chanMutex
	rows map[string]*task.Task
}

type lockedWorkflows struct {
	mu   chanMutex
	rows map[string]*WorkflowRow
}

type lockedEvents struct {
	mu   chanMutex
	rows []EventRow
}

type lockedFires struct {
	mu   chanMutex
	rows map[string]fireRow
}

type fireRow struct {
	at     time.Time
	taskID string
}

// chanMutex is a context-aware mutex. Store operations take it for the
// duration of the map access only; no external calls happen under it.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	return m
}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { <-m }

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      lockedTasks{mu: newChanMutex(), rows: make(map[string]*task.Task)},
		workflows:  lockedWorkflows{mu: newChanMutex(), rows: make(map[string]*WorkflowRow)},
		events:     lockedEvents{mu: newChanMutex()},
		fires:      lockedFires{mu: newChanMutex(), rows: make(map[string]fireRow)},
		dependents: make(map[string][]string),
	}
}

// --- task table ---

func (s *MemoryStore) Admit(ctx context.Context, t *task.Task) error {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return err
	}
	defer s.tasks.mu.unlock()

	if _, exists := s.tasks.rows[t.ID]; exists {
		return ErrAlreadyExists
	}
	row := t.Clone()
	s.tasks.rows[t.ID] = row
	for _, dep := range row.Dependencies {
		s.dependents[dep] = append(s.dependents[dep], row.ID)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	row, ok := s.tasks.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to task.State, patch Patch) error {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return err
	}
	defer s.tasks.mu.unlock()

	row, ok := s.tasks.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.State != from {
		return ErrStaleState
	}
	row.State = to
	applyPatch(row, patch)
	return nil
}

func applyPatch(row *task.Task, p Patch) {
	if p.Result != nil {
		row.Result = append([]byte(nil), p.Result...)
	}
	if p.Err != nil {
		e := *p.Err
		row.LastError = &e
	}
	if p.RetryCount != nil {
		row.RetryCount = *p.RetryCount
	}
	if p.RateRetryCount != nil {
		row.RateRetryCount = *p.RateRetryCount
	}
	if p.NextRetryAt != nil {
		nr := *p.NextRetryAt
		row.NextRetryAt = &nr
	}
	if p.ClearNextRetry {
		row.NextRetryAt = nil
	}
	if p.StartedAt != nil {
		st := *p.StartedAt
		row.StartedAt = &st
	}
	if p.CompletedAt != nil {
		ct := *p.CompletedAt
		row.CompletedAt = &ct
	}
	if p.CancelReason != "" {
		row.CancelReason = p.CancelReason
	}
}

// readyLess orders by priority desc, created_at asc, id asc.
func readyLess(a, b *task.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) LoadReady(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	var out []*task.Task
	for _, row := range s.tasks.rows {
		if row.Queue == q && row.State == task.StateReady {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return readyLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DueRetries(ctx context.Context, q task.Queue, now time.Time) ([]*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	var out []*task.Task
	for _, row := range s.tasks.rows {
		if row.Queue == q && row.State == task.StatePending &&
			row.NextRetryAt != nil && !row.NextRetryAt.After(now) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return readyLess(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()
	return append([]string(nil), s.dependents[id]...), nil
}

func (s *MemoryStore) LoadNonTerminal(ctx context.Context) ([]*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	var out []*task.Task
	for _, row := range s.tasks.rows {
		if !row.State.Terminal() {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LoadByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	var out []*task.Task
	for _, row := range s.tasks.rows {
		if row.ParentWorkflowID == workflowID {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	var out []*task.Task
	for _, row := range s.tasks.rows {
		if row.Queue == q {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context, q task.Queue) (QueueCounts, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.tasks.mu.unlock()

	counts := make(QueueCounts)
	for _, row := range s.tasks.rows {
		if row.Queue == q {
			counts[row.State]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) OldestNonTerminal(ctx context.Context, q task.Queue) (time.Time, bool, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return time.Time{}, false, err
	}
	defer s.tasks.mu.unlock()

	var oldest time.Time
	found := false
	for _, row := range s.tasks.rows {
		if row.Queue != q || row.State.Terminal() {
			continue
		}
		if !found || row.CreatedAt.Before(oldest) {
			oldest = row.CreatedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (s *MemoryStore) ClearCompleted(ctx context.Context, q task.Queue) (int, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer s.tasks.mu.unlock()

	n := 0
	for id, row := range s.tasks.rows {
		if row.Queue == q && row.State == task.StateCompleted {
			s.deleteLocked(id, row)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Retain(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	if err := s.tasks.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer s.tasks.mu.unlock()

	n := 0
	for id, row := range s.tasks.rows {
		if !row.State.Terminal() || row.CompletedAt == nil {
			continue
		}
		age := now.Sub(*row.CompletedAt)
		if row.State == task.StateCompleted {
			if age > policy.Completed {
				s.deleteLocked(id, row)
				n++
			}
		} else if age > policy.Failed {
			s.deleteLocked(id, row)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) deleteLocked(id string, row *task.Task) {
	delete(s.tasks.rows, id)
	for _, dep := range row.Dependencies {
		ids := s.dependents[dep]
		for i, d := range ids {
			if d == id {
				s.dependents[dep] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.dependents[dep]) == 0 {
			delete(s.dependents, dep)
		}
	}
}

// --- workflow table ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, w *WorkflowRow) error {
	if err := s.workflows.mu.lock(ctx); err != nil {
		return err
	}
	defer s.workflows.mu.unlock()

	c := *w
	s.workflows.rows[w.ID] = &c
	return nil
}

func (s *MemoryStore) UpdateWorkflowState(ctx context.Context, id, state string, completedAt *time.Time) error {
	if err := s.workflows.mu.lock(ctx); err != nil {
		return err
	}
	defer s.workflows.mu.unlock()

	row, ok := s.workflows.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.State = state
	if completedAt != nil {
		ct := *completedAt
		row.CompletedAt = &ct
	}
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRow, error) {
	if err := s.workflows.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.workflows.mu.unlock()

	row, ok := s.workflows.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *row
	return &c, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRow, error) {
	if err := s.workflows.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.workflows.mu.unlock()

	var out []*WorkflowRow
	for _, row := range s.workflows.rows {
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListWorkflowsByState(ctx context.Context, state string) ([]*WorkflowRow, error) {
	if err := s.workflows.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.workflows.mu.unlock()

	var out []*WorkflowRow
	for _, row := range s.workflows.rows {
		if row.State == state {
			c := *row
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- event journal ---

func (s *MemoryStore) AppendEvent(ctx context.Context, e EventRow) error {
	if err := s.events.mu.lock(ctx); err != nil {
		return err
	}
	defer s.events.mu.unlock()
	s.events.rows = append(s.events.rows, e)
	return nil
}

func (s *MemoryStore) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]EventRow, error) {
	if err := s.events.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer s.events.mu.unlock()

	var out []EventRow
	for _, e := range s.events.rows {
		if e.CorrelationID == correlationID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- periodic fires ---

func (s *MemoryStore) LastFire(ctx context.Context, name string) (time.Time, string, error) {
	if err := s.fires.mu.lock(ctx); err != nil {
		return time.Time{}, "", err
	}
	defer s.fires.mu.unlock()
	row, ok := s.fires.rows[name]
	if !ok {
		return time.Time{}, "", ErrNotFound
	}
	return row.at, row.taskID, nil
}

func (s *MemoryStore) RecordFire(ctx context.Context, name string, at time.Time, taskID string) error {
	if err := s.fires.mu.lock(ctx); err != nil {
		return err
	}
	defer s.fires.mu.unlock()
	s.fires.rows[name] = fireRow{at: at, taskID: taskID}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

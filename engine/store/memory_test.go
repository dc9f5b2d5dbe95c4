package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/TradeForge/engine/task"
)

func newTask(id string, q task.Queue, priority int) *task.Task {
	return &task.Task{
		ID:        id,
		Queue:     q,
		Type:      "sync_balances",
		Priority:  priority,
		State:     task.StateReady,
		CreatedAt: time.Now().UTC(),
	}
}

func TestAdmitRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Admit(ctx, newTask("t1", task.QueuePortfolioSync, 5)))
	err := s.Admit(ctx, newTask("t1", task.QueuePortfolioSync, 5))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tk := newTask("t1", task.QueuePortfolioSync, 5)
	tk.Payload = json.RawMessage(`{"a":1}`)
	require.NoError(t, s.Admit(ctx, tk))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	got.Payload[2] = 'x'
	got.Priority = 9

	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`{"a":1}`), again.Payload)
	require.Equal(t, 5, again.Priority)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Admit(ctx, newTask("t1", task.QueuePortfolioSync, 5)))

	now := time.Now().UTC()
	err := s.Transition(ctx, "t1", task.StateReady, task.StateRunning, Patch{StartedAt: &now})
	require.NoError(t, err)

	// A second CAS from the same expected state must lose.
	err = s.Transition(ctx, "t1", task.StateReady, task.StateRunning, Patch{})
	require.ErrorIs(t, err, ErrStaleState)

	err = s.Transition(ctx, "missing", task.StateReady, task.StateRunning, Patch{})
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
}

func TestTransitionAppliesPatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Admit(ctx, newTask("t1", task.QueueDataFetcher, 5)))

	retries := 2
	next := time.Now().UTC().Add(time.Minute)
	err := s.Transition(ctx, "t1", task.StateReady, task.StatePending, Patch{
		RetryCount:  &retries,
		NextRetryAt: &next,
		Err:         &task.Error{Kind: task.KindTransient, Message: "upstream 503"},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	require.True(t, got.NextRetryAt.Equal(next))
	require.Equal(t, task.KindTransient, got.LastError.Kind)

	// Promote back to ready clearing the retry timestamp.
	err = s.Transition(ctx, "t1", task.StatePending, task.StateReady, Patch{ClearNextRetry: true})
	require.NoError(t, err)
	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, got.NextRetryAt)
}

func TestLoadReadyOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	mk := func(id string, priority int, offset time.Duration) {
		tk := newTask(id, task.QueueAIAnalysis, priority)
		tk.CreatedAt = base.Add(offset)
		require.NoError(t, s.Admit(ctx, tk))
	}
	mk("low-old", 2, -time.Hour)
	mk("high-new", 8, 0)
	mk("high-old", 8, -time.Minute)
	mk("mid", 5, 0)

	// Other queues and non-ready states must not leak in.
	other := newTask("other-queue", task.QueueDataFetcher, 9)
	require.NoError(t, s.Admit(ctx, other))
	pending := newTask("pending", task.QueueAIAnalysis, 9)
	pending.State = task.StatePending
	require.NoError(t, s.Admit(ctx, pending))

	got, err := s.LoadReady(ctx, task.QueueAIAnalysis, 10)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, tk := range got {
		ids[i] = tk.ID
	}
	require.Equal(t, []string{"high-old", "high-new", "mid", "low-old"}, ids)

	got, err = s.LoadReady(ctx, task.QueueAIAnalysis, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestDueRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTask("due", task.QueueDataFetcher, 5)
	due.State = task.StatePending
	past := now.Add(-time.Second)
	due.NextRetryAt = &past
	require.NoError(t, s.Admit(ctx, due))

	notYet := newTask("not-yet", task.QueueDataFetcher, 5)
	notYet.State = task.StatePending
	future := now.Add(time.Hour)
	notYet.NextRetryAt = &future
	require.NoError(t, s.Admit(ctx, notYet))

	parked := newTask("parked", task.QueueDataFetcher, 5)
	parked.State = task.StatePending // waiting on deps, no retry timestamp
	require.NoError(t, s.Admit(ctx, parked))

	got, err := s.DueRetries(ctx, task.QueueDataFetcher, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "due", got[0].ID)
}

func TestLoadDependents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Admit(ctx, newTask("root", task.QueuePortfolioSync, 5)))
	child := newTask("child", task.QueuePortfolioSync, 5)
	child.State = task.StatePending
	child.Dependencies = []string{"root"}
	require.NoError(t, s.Admit(ctx, child))
	grand := newTask("grand", task.QueuePortfolioSync, 5)
	grand.State = task.StatePending
	grand.Dependencies = []string{"child"}
	require.NoError(t, s.Admit(ctx, grand))

	deps, err := s.LoadDependents(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, []string{"child"}, deps)

	deps, err = s.LoadDependents(ctx, "child")
	require.NoError(t, err)
	require.Equal(t, []string{"grand"}, deps)

	deps, err = s.LoadDependents(ctx, "grand")
	require.NoError(t, err)
	require.Empty(t, deps)
}

func TestCountAndHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Admit(ctx, newTask(fmt.Sprintf("r%d", i), task.QueuePortfolioSync, 5)))
	}
	done := newTask("done", task.QueuePortfolioSync, 5)
	done.State = task.StateCompleted
	require.NoError(t, s.Admit(ctx, done))

	counts, err := s.CountByState(ctx, task.QueuePortfolioSync)
	require.NoError(t, err)
	require.Equal(t, 3, counts[task.StateReady])
	require.Equal(t, 1, counts[task.StateCompleted])

	hist, err := s.History(ctx, task.QueuePortfolioSync, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestOldestNonTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.OldestNonTerminal(ctx, task.QueueAIAnalysis)
	require.NoError(t, err)
	require.False(t, ok)

	old := newTask("old", task.QueueAIAnalysis, 5)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Admit(ctx, old))
	require.NoError(t, s.Admit(ctx, newTask("new", task.QueueAIAnalysis, 5)))

	ts, ok, err := s.OldestNonTerminal(ctx, task.QueueAIAnalysis)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ts.Equal(old.CreatedAt))
}

func TestRetainSweepsByPolicy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(id string, state task.State, age time.Duration) {
		tk := newTask(id, task.QueueDataFetcher, 5)
		tk.State = state
		if state.Terminal() {
			done := now.Add(-age)
			tk.CompletedAt = &done
		}
		require.NoError(t, s.Admit(ctx, tk))
	}
	add("completed-old", task.StateCompleted, 25*time.Hour)
	add("completed-fresh", task.StateCompleted, time.Hour)
	add("failed-old", task.StateFailed, 8*24*time.Hour)
	add("failed-fresh", task.StateFailed, 24*time.Hour)
	add("running", task.StateRunning, 0)

	n, err := s.Retain(ctx, DefaultRetention(), now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.Get(ctx, "completed-old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "failed-old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "completed-fresh")
	require.NoError(t, err)
	_, err = s.Get(ctx, "running")
	require.NoError(t, err)
}

func TestClearCompleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	done := newTask("done", task.QueueAIAnalysis, 5)
	done.State = task.StateCompleted
	require.NoError(t, s.Admit(ctx, done))
	require.NoError(t, s.Admit(ctx, newTask("ready", task.QueueAIAnalysis, 5)))

	n, err := s.ClearCompleted(ctx, task.QueueAIAnalysis)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(ctx, "done")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "ready")
	require.NoError(t, err)
}

func TestWorkflowRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetWorkflow(ctx, "wf1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveWorkflow(ctx, &WorkflowRow{
		ID: "wf1", Mode: "sequential", State: "running",
		Definition: json.RawMessage(`{"id":"wf1"}`), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveWorkflow(ctx, &WorkflowRow{
		ID: "wf2", Mode: "parallel", State: "completed", CreatedAt: time.Now().UTC(),
	}))

	running, err := s.ListWorkflowsByState(ctx, "running")
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "wf1", running[0].ID)

	done := time.Now().UTC()
	require.NoError(t, s.UpdateWorkflowState(ctx, "wf1", "completed", &done))
	got, err := s.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.Equal(t, "completed", got.State)
	require.NotNil(t, got.CompletedAt)

	all, err := s.ListWorkflows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestEventJournal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, EventRow{
			ID: fmt.Sprintf("e%d", i), Type: "TaskCreated",
			CorrelationID: "corr-1", Timestamp: time.Now().UTC(),
		}))
	}
	require.NoError(t, s.AppendEvent(ctx, EventRow{
		ID: "other", Type: "TaskCreated", CorrelationID: "corr-2", Timestamp: time.Now().UTC(),
	}))

	events, err := s.EventsByCorrelation(ctx, "corr-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestFireBookkeeping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _, err := s.LastFire(ctx, "portfolio-refresh")
	require.ErrorIs(t, err, ErrNotFound)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordFire(ctx, "portfolio-refresh", at, "task-1"))
	got, taskID, err := s.LastFire(ctx, "portfolio-refresh")
	require.NoError(t, err)
	require.True(t, got.Equal(at))
	require.Equal(t, "task-1", taskID)

	// Re-recording replaces the row.
	later := at.Add(time.Hour)
	require.NoError(t, s.RecordFire(ctx, "portfolio-refresh", later, "task-2"))
	got, taskID, err = s.LastFire(ctx, "portfolio-refresh")
	require.NoError(t, err)
	require.True(t, got.Equal(later))
	require.Equal(t, "task-2", taskID)
}

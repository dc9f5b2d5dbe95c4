package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/task"
)

// ErrStoreUnavailable is returned once the retry budget for a transient store
// failure is exhausted. Callers treat it as a store outage.
var ErrStoreUnavailable = errors.New("store unavailable")

var retryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// RetryingStore decorates a TaskStore with transient-failure retries. Domain
// errors (not found, stale state, duplicate) and context cancellation pass
// through untouched; anything else is assumed transient and retried three
// times with exponential backoff before surfacing ErrStoreUnavailable.
type RetryingStore struct {
	inner       TaskStore
	log         zerolog.Logger
	onExhausted func(err error)
}

// NewRetryingStore wraps inner. onExhausted fires once per exhausted
// operation and may be nil.
func NewRetryingStore(inner TaskStore, log zerolog.Logger, onExhausted func(err error)) *RetryingStore {
	return &RetryingStore{inner: inner, log: log, onExhausted: onExhausted}
}

func isDomainErr(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrStaleState) ||
		errors.Is(err, ErrAlreadyExists)
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || isDomainErr(err) || ctx.Err() != nil {
		return err
	}
	for attempt, wait := range retryBackoff {
		observability.StoreRetries.Inc()
		s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", wait).Msg("store operation failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = fn()
		if err == nil || isDomainErr(err) || ctx.Err() != nil {
			return err
		}
	}
	s.log.Error().Err(err).Str("op", op).Msg("store retries exhausted")
	if s.onExhausted != nil {
		s.onExhausted(err)
	}
	return errors.Join(ErrStoreUnavailable, err)
}

func (s *RetryingStore) Admit(ctx context.Context, t *task.Task) error {
	return s.do(ctx, "admit", func() error { return s.inner.Admit(ctx, t) })
}

func (s *RetryingStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var out *task.Task
	err := s.do(ctx, "get", func() (err error) {
		out, err = s.inner.Get(ctx, id)
		return
	})
	return out, err
}

func (s *RetryingStore) Transition(ctx context.Context, id string, from, to task.State, patch Patch) error {
	return s.do(ctx, "transition", func() error { return s.inner.Transition(ctx, id, from, to, patch) })
}

func (s *RetryingStore) LoadReady(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	var out []*task.Task
	err := s.do(ctx, "load_ready", func() (err error) {
		out, err = s.inner.LoadReady(ctx, q, limit)
		return
	})
	return out, err
}

func (s *RetryingStore) DueRetries(ctx context.Context, q task.Queue, now time.Time) ([]*task.Task, error) {
	var out []*task.Task
	err := s.do(ctx, "due_retries", func() (err error) {
		out, err = s.inner.DueRetries(ctx, q, now)
		return
	})
	return out, err
}

func (s *RetryingStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := s.do(ctx, "load_dependents", func() (err error) {
		out, err = s.inner.LoadDependents(ctx, id)
		return
	})
	return out, err
}

func (s *RetryingStore) LoadNonTerminal(ctx context.Context) ([]*task.Task, error) {
	var out []*task.Task
	err := s.do(ctx, "load_non_terminal", func() (err error) {
		out, err = s.inner.LoadNonTerminal(ctx)
		return
	})
	return out, err
}

func (s *RetryingStore) LoadByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	var out []*task.Task
	err := s.do(ctx, "load_by_workflow", func() (err error) {
		out, err = s.inner.LoadByWorkflow(ctx, workflowID)
		return
	})
	return out, err
}

func (s *RetryingStore) History(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error) {
	var out []*task.Task
	err := s.do(ctx, "history", func() (err error) {
		out, err = s.inner.History(ctx, q, limit)
		return
	})
	return out, err
}

func (s *RetryingStore) CountByState(ctx context.Context, q task.Queue) (QueueCounts, error) {
	var out QueueCounts
	err := s.do(ctx, "count_by_state", func() (err error) {
		out, err = s.inner.CountByState(ctx, q)
		return
	})
	return out, err
}

func (s *RetryingStore) OldestNonTerminal(ctx context.Context, q task.Queue) (time.Time, bool, error) {
	var (
		t  time.Time
		ok bool
	)
	err := s.do(ctx, "oldest_non_terminal", func() (err error) {
		t, ok, err = s.inner.OldestNonTerminal(ctx, q)
		return
	})
	return t, ok, err
}

func (s *RetryingStore) ClearCompleted(ctx context.Context, q task.Queue) (int, error) {
	var n int
	err := s.do(ctx, "clear_completed", func() (err error) {
		n, err = s.inner.ClearCompleted(ctx, q)
		return
	})
	return n, err
}

func (s *RetryingStore) Retain(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	var n int
	err := s.do(ctx, "retain", func() (err error) {
		n, err = s.inner.Retain(ctx, policy, now)
		return
	})
	return n, err
}

func (s *RetryingStore) SaveWorkflow(ctx context.Context, w *WorkflowRow) error {
	return s.do(ctx, "save_workflow", func() error { return s.inner.SaveWorkflow(ctx, w) })
}

func (s *RetryingStore) UpdateWorkflowState(ctx context.Context, id, state string, completedAt *time.Time) error {
	return s.do(ctx, "update_workflow_state", func() error {
		return s.inner.UpdateWorkflowState(ctx, id, state, completedAt)
	})
}

func (s *RetryingStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRow, error) {
	var out *WorkflowRow
	err := s.do(ctx, "get_workflow", func() (err error) {
		out, err = s.inner.GetWorkflow(ctx, id)
		return
	})
	return out, err
}

func (s *RetryingStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRow, error) {
	var out []*WorkflowRow
	err := s.do(ctx, "list_workflows", func() (err error) {
		out, err = s.inner.ListWorkflows(ctx, limit)
		return
	})
	return out, err
}

func (s *RetryingStore) ListWorkflowsByState(ctx context.Context, state string) ([]*WorkflowRow, error) {
	var out []*WorkflowRow
	err := s.do(ctx, "list_workflows_by_state", func() (err error) {
		out, err = s.inner.ListWorkflowsByState(ctx, state)
		return
	})
	return out, err
}

func (s *RetryingStore) AppendEvent(ctx context.Context, e EventRow) error {
	return s.do(ctx, "append_event", func() error { return s.inner.AppendEvent(ctx, e) })
}

func (s *RetryingStore) EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]EventRow, error) {
	var out []EventRow
	err := s.do(ctx, "events_by_correlation", func() (err error) {
		out, err = s.inner.EventsByCorrelation(ctx, correlationID, limit)
		return
	})
	return out, err
}

func (s *RetryingStore) LastFire(ctx context.Context, name string) (time.Time, string, error) {
	var (
		out    time.Time
		taskID string
	)
	err := s.do(ctx, "last_fire", func() (err error) {
		out, taskID, err = s.inner.LastFire(ctx, name)
		return
	})
	return out, taskID, err
}

func (s *RetryingStore) RecordFire(ctx context.Context, name string, at time.Time, taskID string) error {
	return s.do(ctx, "record_fire", func() error { return s.inner.RecordFire(ctx, name, at, taskID) })
}

func (s *RetryingStore) Close() error { return s.inner.Close() }

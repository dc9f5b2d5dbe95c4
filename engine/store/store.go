// Package store provides the durable, lock-protected task store. It abstracts
// over SQLite (default durable backend), Postgres, and an in-memory store used
// for tests and ephemeral runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/itskum47/TradeForge/engine/task"
)

var (
	// ErrAlreadyExists is returned by Admit for a duplicate task id.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrNotFound is returned when a task, workflow, or fire record is absent.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by Transition when the current state does not
	// match the expected from-state.
	ErrStaleState = errors.New("stale state")
)

// Patch carries the optional field updates applied atomically with a state
// transition.
type Patch struct {
	Result         json.RawMessage
	Err            *task.Error
	RetryCount     *int
	RateRetryCount *int
	NextRetryAt    *time.Time
	ClearNextRetry bool
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CancelReason   string
}

// RetentionPolicy bounds how long terminal tasks are kept.
type RetentionPolicy struct {
	Completed time.Duration // default 24h
	Failed    time.Duration // covers failed/cancelled/expired, default 7d
}

// DefaultRetention returns the default retention thresholds.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Completed: 24 * time.Hour, Failed: 7 * 24 * time.Hour}
}

// WorkflowRow is the persisted workflow record. Definition is the serialized
// workflow.Definition.
type WorkflowRow struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode"`
	Definition  json.RawMessage `json:"definition"`
	State       string          `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EventRow is one append-only audit journal entry.
type EventRow struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// QueueCounts aggregates task counts per state for one queue.
type QueueCounts map[task.State]int

// TaskStore is the durable store contract. Implementations serialize writers
// per logical table (tasks, workflows, events, periodic fires) and never make
// external calls under a lock.
type TaskStore interface {
	// Admit inserts a new task; duplicates by id return ErrAlreadyExists.
	Admit(ctx context.Context, t *task.Task) error

	// Get returns a copy of the task row.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Transition is a CAS-style state update: it fails with ErrStaleState when
	// the current state differs from from. Patch fields apply atomically with
	// the transition.
	Transition(ctx context.Context, id string, from, to task.State, patch Patch) error

	// LoadReady returns up to limit Ready tasks for the queue ordered by
	// (priority desc, created_at asc, id asc).
	LoadReady(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error)

	// DueRetries returns Pending tasks of the queue whose next_retry_at has
	// elapsed.
	DueRetries(ctx context.Context, q task.Queue, now time.Time) ([]*task.Task, error)

	// LoadDependents returns ids of tasks that declared id as a dependency.
	LoadDependents(ctx context.Context, id string) ([]string, error)

	// LoadNonTerminal returns every task not in a terminal state, across
	// queues. Used by emergency stop and startup rehydration.
	LoadNonTerminal(ctx context.Context) ([]*task.Task, error)

	// LoadByWorkflow returns the tasks emitted for a workflow.
	LoadByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error)

	// History returns the most recent tasks of a queue, newest first.
	History(ctx context.Context, q task.Queue, limit int) ([]*task.Task, error)

	// CountByState aggregates per-state counts for a queue.
	CountByState(ctx context.Context, q task.Queue) (QueueCounts, error)

	// OldestNonTerminal returns the creation time of the oldest non-terminal
	// task in the queue; ok is false when the queue is drained.
	OldestNonTerminal(ctx context.Context, q task.Queue) (t time.Time, ok bool, err error)

	// ClearCompleted deletes Completed tasks of a queue, returning the count.
	ClearCompleted(ctx context.Context, q task.Queue) (int, error)

	// Retain deletes terminal tasks older than the policy thresholds.
	Retain(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error)

	// Workflow rows.
	SaveWorkflow(ctx context.Context, w *WorkflowRow) error
	UpdateWorkflowState(ctx context.Context, id, state string, completedAt *time.Time) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRow, error)
	ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRow, error)
	ListWorkflowsByState(ctx context.Context, state string) ([]*WorkflowRow, error)

	// Append-only event journal.
	AppendEvent(ctx context.Context, e EventRow) error
	EventsByCorrelation(ctx context.Context, correlationID string, limit int) ([]EventRow, error)

	// Background-scheduler fire bookkeeping, recovered on restart. Each fire
	// row carries the task it emitted so the overlap check survives a
	// restart.
	LastFire(ctx context.Context, name string) (time.Time, string, error)
	RecordFire(ctx context.Context, name string, at time.Time, taskID string) error

	Close() error
}

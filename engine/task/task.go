// Package task defines the unit of work moved through the scheduling core:
// the Task itself, its state machine, and the structured error taxonomy the
// engine's retry logic pattern-matches on.
package task

import (
	"encoding/json"
	"time"
)

// Queue identifies one of the three work lanes. Each lane has its own
// concurrency slots, circuit breaker, and handler registry.
type Queue string

const (
	QueuePortfolioSync Queue = "portfolio_sync"
	QueueDataFetcher   Queue = "data_fetcher"
	QueueAIAnalysis    Queue = "ai_analysis"
)

// Queues lists every lane in a stable order.
func Queues() []Queue {
	return []Queue{QueuePortfolioSync, QueueDataFetcher, QueueAIAnalysis}
}

// Valid reports whether q names a known lane.
func (q Queue) Valid() bool {
	switch q {
	case QueuePortfolioSync, QueueDataFetcher, QueueAIAnalysis:
		return true
	}
	return false
}

// State is the task lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether s is final. Terminal states admit no further
// transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Priority bounds. Higher runs first within a queue.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Task is the unit of work. Payload is an opaque JSON document owned by the
// task row from admission onward; handlers receive it read-only and decode it
// into their concrete payload type.
type Task struct {
	ID               string          `json:"id"`
	Queue            Queue           `json:"queue"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Priority         int             `json:"priority"`
	Dependencies     []string        `json:"dependencies,omitempty"`
	State            State           `json:"state"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	RateRetryCount   int             `json:"rate_retry_count"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	Timeout          time.Duration   `json:"timeout"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	LastError        *Error          `json:"last_error,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	ParentWorkflowID string          `json:"parent_workflow_id,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
}

// EffectivePriority returns the priority after starvation aging: once a task
// has waited past threshold, its priority rises by one per minute waited
// beyond it, capped at MaxPriority.
func (t *Task) EffectivePriority(now time.Time, threshold time.Duration) int {
	waited := now.Sub(t.CreatedAt)
	if waited <= threshold {
		return t.Priority
	}
	boost := int(waited-threshold) / int(time.Minute)
	p := t.Priority + boost
	if p > MaxPriority {
		p = MaxPriority
	}
	return p
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// row memory.
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.NextRetryAt != nil {
		nr := *t.NextRetryAt
		c.NextRetryAt = &nr
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	if t.LastError != nil {
		le := *t.LastError
		c.LastError = &le
	}
	return &c
}

// CancelReasonDependencyFailed marks cascade cancellations. Any dependency
// that ends in a non-Completed terminal state cascades with this reason.
const CancelReasonDependencyFailed = "dependency_failed"

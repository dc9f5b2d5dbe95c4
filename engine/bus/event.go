// Package bus is the in-process publish/subscribe spine coupling the
// scheduling engine, orchestration layer, background scheduler, and
// monitoring. Delivery is at-least-once within the process with per-subscriber
// FIFO ordering.
package bus

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of event names. Names are wire-level stable.
type EventType string

const (
	TaskCreated            EventType = "TaskCreated"
	TaskStarted            EventType = "TaskStarted"
	TaskCompleted          EventType = "TaskCompleted"
	TaskFailed             EventType = "TaskFailed"
	TaskRetried            EventType = "TaskRetried"
	QueuePaused            EventType = "QueuePaused"
	QueueResumed           EventType = "QueueResumed"
	CircuitOpened          EventType = "CircuitOpened"
	CircuitClosed          EventType = "CircuitClosed"
	WorkflowCompleted      EventType = "WorkflowCompleted"
	RateLimitExceeded      EventType = "RateLimitExceeded"
	PortfolioUpdated       EventType = "PortfolioUpdated"
	NewsIngested           EventType = "NewsIngested"
	EarningsIngested       EventType = "EarningsIngested"
	RecommendationProduced EventType = "RecommendationProduced"
	EmergencyStop          EventType = "EmergencyStop"
	AlertRaised            EventType = "AlertRaised"
	DeliveryDropped        EventType = "DeliveryDropped"
)

// Event is immutable after publication. Payload is a JSON document typed by
// the event's Type.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TaskEventPayload is the payload for the Task* lifecycle events.
type TaskEventPayload struct {
	TaskID      string `json:"task_id"`
	Queue       string `json:"queue"`
	TaskType    string `json:"task_type"`
	State       string `json:"state,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

// CircuitEventPayload is the payload for CircuitOpened/CircuitClosed.
type CircuitEventPayload struct {
	Dependency string `json:"dependency"`
	Failures   int    `json:"failures,omitempty"`
}

// AlertPayload is the payload for AlertRaised.
type AlertPayload struct {
	Severity string `json:"severity"` // info, warning, error, critical
	Name     string `json:"name"`
	Detail   string `json:"detail,omitempty"`
	Queue    string `json:"queue,omitempty"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

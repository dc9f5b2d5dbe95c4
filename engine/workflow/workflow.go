// Package workflow composes tasks into sequential, parallel, conditional, and
// event-driven workflows and tracks their progress off the event bus.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/task"
)

// Mode selects how a workflow's steps are emitted.
type Mode string

const (
	Sequential  Mode = "sequential"
	Parallel    Mode = "parallel"
	Conditional Mode = "conditional"
	EventDriven Mode = "event_driven"
)

// Workflow terminal and in-flight states as persisted.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Step is one unit of a workflow definition.
type Step struct {
	ID        string          `json:"id"`
	Queue     task.Queue      `json:"queue"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
	Predicate *Predicate      `json:"predicate,omitempty"` // conditional mode only
}

// Trigger filters the event bus for event-driven workflows.
type Trigger struct {
	EventTypes []bus.EventType `json:"event_types"`
}

// Definition describes a workflow. FailFast applies to parallel mode: the
// first step failure cancels the surviving siblings.
type Definition struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Mode     Mode     `json:"mode"`
	Steps    []Step   `json:"steps"`
	FailFast bool     `json:"fail_fast,omitempty"`
	Trigger  *Trigger `json:"trigger,omitempty"` // event-driven mode only
}

// Validate rejects definitions the orchestrator cannot run.
func (d *Definition) Validate() error {
	switch d.Mode {
	case Sequential, Parallel, Conditional, EventDriven:
	default:
		return fmt.Errorf("unknown workflow mode %q", d.Mode)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Queue.Valid() {
			return fmt.Errorf("step %q: unknown queue %q", s.ID, s.Queue)
		}
		if s.Type == "" {
			return fmt.Errorf("step %q has no task type", s.ID)
		}
		if s.Predicate != nil {
			if d.Mode != Conditional {
				return fmt.Errorf("step %q: predicates require conditional mode", s.ID)
			}
			if !seen[s.Predicate.Step] {
				return fmt.Errorf("step %q: predicate references later or unknown step %q", s.ID, s.Predicate.Step)
			}
			if err := s.Predicate.validate(); err != nil {
				return fmt.Errorf("step %q: %w", s.ID, err)
			}
		}
	}
	if d.Mode == EventDriven && (d.Trigger == nil || len(d.Trigger.EventTypes) == 0) {
		return fmt.Errorf("event-driven workflow needs a trigger")
	}
	return nil
}

// Predicate gates a conditional step on a prior step's result. Field is a
// dot path into the result document; Op is one of eq, ne, gt, lt, exists.
type Predicate struct {
	Step  string `json:"step"`
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

func (p *Predicate) validate() error {
	switch p.Op {
	case "eq", "ne", "gt", "lt", "exists":
	default:
		return fmt.Errorf("unknown predicate op %q", p.Op)
	}
	if p.Field == "" {
		return fmt.Errorf("predicate has no field")
	}
	return nil
}

// Eval applies the predicate to the referenced step's result. A missing field
// satisfies only the negative ops.
func (p *Predicate) Eval(result json.RawMessage) bool {
	val, found := lookupField(result, p.Field)
	switch p.Op {
	case "exists":
		return found
	case "eq":
		return found && equalJSON(val, p.Value)
	case "ne":
		return !found || !equalJSON(val, p.Value)
	case "gt", "lt":
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		if !found || !aok || !bok {
			return false
		}
		if p.Op == "gt" {
			return a > b
		}
		return a < b
	}
	return false
}

func lookupField(doc json.RawMessage, path string) (any, bool) {
	if len(doc) == 0 {
		return nil, false
	}
	var cur any
	if err := json.Unmarshal(doc, &cur); err != nil {
		return nil, false
	}
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalJSON(a, b any) bool {
	// Normalize both sides through JSON so 1 == 1.0 and typed values from a
	// decoded document compare cleanly against literal predicate values.
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

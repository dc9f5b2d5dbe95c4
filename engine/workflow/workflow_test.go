package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/task"
)

func step(id string, q task.Queue, typ string) Step {
	return Step{ID: id, Queue: q, Type: typ}
}

func TestDefinitionValidate(t *testing.T) {
	valid := Definition{
		ID:   "wf",
		Mode: Sequential,
		Steps: []Step{
			step("a", task.QueuePortfolioSync, "sync_balances"),
			step("b", task.QueueAIAnalysis, "morning_prep"),
		},
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"unknown mode", func(d *Definition) { d.Mode = "round_robin" }},
		{"no steps", func(d *Definition) { d.Steps = nil }},
		{"missing step id", func(d *Definition) { d.Steps[0].ID = "" }},
		{"duplicate step id", func(d *Definition) { d.Steps[1].ID = "a" }},
		{"unknown queue", func(d *Definition) { d.Steps[0].Queue = "mystery" }},
		{"missing task type", func(d *Definition) { d.Steps[0].Type = "" }},
		{"predicate outside conditional", func(d *Definition) {
			d.Steps[1].Predicate = &Predicate{Step: "a", Field: "x", Op: "exists"}
		}},
		{"predicate references later step", func(d *Definition) {
			d.Mode = Conditional
			d.Steps[0].Predicate = &Predicate{Step: "b", Field: "x", Op: "exists"}
		}},
		{"predicate bad op", func(d *Definition) {
			d.Mode = Conditional
			d.Steps[1].Predicate = &Predicate{Step: "a", Field: "x", Op: "matches"}
		}},
		{"event driven without trigger", func(d *Definition) { d.Mode = EventDriven }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := valid
			d.Steps = append([]Step(nil), valid.Steps...)
			tc.mutate(&d)
			require.Error(t, d.Validate())
		})
	}

	eventDriven := valid
	eventDriven.Mode = EventDriven
	eventDriven.Trigger = &Trigger{EventTypes: []bus.EventType{bus.EarningsIngested}}
	require.NoError(t, eventDriven.Validate())
}

func TestPredicateEval(t *testing.T) {
	result := json.RawMessage(`{"pnl": -1500.5, "risk": {"breaches": 2}, "symbol": "INFY"}`)

	cases := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"exists hit", Predicate{Field: "pnl", Op: "exists"}, true},
		{"exists nested", Predicate{Field: "risk.breaches", Op: "exists"}, true},
		{"exists miss", Predicate{Field: "orders", Op: "exists"}, false},
		{"eq string", Predicate{Field: "symbol", Op: "eq", Value: "INFY"}, true},
		{"eq number", Predicate{Field: "risk.breaches", Op: "eq", Value: 2}, true},
		{"eq miss", Predicate{Field: "symbol", Op: "eq", Value: "TCS"}, false},
		{"ne hit", Predicate{Field: "symbol", Op: "ne", Value: "TCS"}, true},
		{"ne on missing field", Predicate{Field: "orders", Op: "ne", Value: 1}, true},
		{"gt false", Predicate{Field: "pnl", Op: "gt", Value: 0}, false},
		{"lt true", Predicate{Field: "pnl", Op: "lt", Value: 0}, true},
		{"gt non-numeric", Predicate{Field: "symbol", Op: "gt", Value: 0}, false},
		{"gt missing field", Predicate{Field: "orders", Op: "gt", Value: 0}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.p.Eval(result))
		})
	}
}

func TestPredicateEvalEmptyResult(t *testing.T) {
	exists := Predicate{Field: "x", Op: "exists"}
	require.False(t, exists.Eval(nil))
	ne := Predicate{Field: "x", Op: "ne", Value: 1}
	require.True(t, ne.Eval(nil))
}

func TestSplitStepTaskID(t *testing.T) {
	wf, stepID, ok := splitStepTaskID("wf-123.fetch")
	require.True(t, ok)
	require.Equal(t, "wf-123", wf)
	require.Equal(t, "fetch", stepID)

	// Workflow ids may themselves contain dots; the last separator wins.
	wf, stepID, ok = splitStepTaskID("wf.a.b")
	require.True(t, ok)
	require.Equal(t, "wf.a", wf)
	require.Equal(t, "b", stepID)

	_, _, ok = splitStepTaskID("plain-uuid")
	require.False(t, ok)
	_, _, ok = splitStepTaskID(".leading")
	require.False(t, ok)
	_, _, ok = splitStepTaskID("trailing.")
	require.False(t, ok)
}

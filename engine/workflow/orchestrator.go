package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

// Core is the slice of the scheduling engine the orchestrator drives.
type Core interface {
	Submit(ctx context.Context, t *task.Task) error
	Cancel(ctx context.Context, id, reason string) error
}

type stepStatus struct {
	step    Step
	taskID  string
	state   task.State
	skipped bool
	result  json.RawMessage
}

func (s *stepStatus) terminal() bool { return s.skipped || s.state.Terminal() }
func (s *stepStatus) completed() bool {
	return s.skipped || s.state == task.StateCompleted
}

type instance struct {
	id          string
	def         Definition
	correlation string
	steps       []*stepStatus
	byTask      map[string]*stepStatus
	cursor      int // next step to emit in sequential/conditional mode
	finalized   bool
}

// Orchestrator runs workflows. Progress is driven entirely by
// TaskCompleted/TaskFailed events; the store is only read to resolve a task
// to its workflow and to rebuild state after a restart.
type Orchestrator struct {
	core  Core
	store store.TaskStore
	bus   *bus.Bus
	log   zerolog.Logger

	mu       sync.Mutex
	active   map[string]*instance
	triggers map[string]*bus.Subscription

	ctx context.Context
}

// New wires the orchestrator.
func New(core Core, st store.TaskStore, b *bus.Bus, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		core:     core,
		store:    st,
		bus:      b,
		log:      log.With().Str("component", "orchestrator").Logger(),
		active:   make(map[string]*instance),
		triggers: make(map[string]*bus.Subscription),
	}
}

// Start rebuilds in-flight workflows from the store and subscribes to task
// lifecycle events.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	if err := o.rehydrate(ctx); err != nil {
		return fmt.Errorf("workflow rehydrate: %w", err)
	}
	o.bus.Subscribe("orchestrator", []bus.EventType{bus.TaskCompleted, bus.TaskFailed}, o.onTaskEvent)
	return nil
}

// stepTaskID derives the deterministic task id for a workflow step, which
// makes re-emission after a restart an AlreadyExists no-op and lets restart
// recovery map tasks back to steps.
func stepTaskID(workflowID, stepID string) string {
	return workflowID + "." + stepID
}

// Run validates, persists, and launches a workflow. Event-driven definitions
// only register their trigger; instances spawn per matching event.
func (o *Orchestrator) Run(ctx context.Context, def Definition) (string, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return "", err
	}
	if def.Mode == EventDriven {
		return def.ID, o.registerTrigger(def)
	}
	return o.launch(ctx, def, def.ID, def.ID)
}

// launch persists one workflow instance and emits its initial steps.
func (o *Orchestrator) launch(ctx context.Context, def Definition, instanceID, correlation string) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	err = o.store.SaveWorkflow(ctx, &store.WorkflowRow{
		ID:         instanceID,
		Mode:       string(def.Mode),
		Definition: raw,
		State:      StateRunning,
		CreatedAt:  now,
	})
	if err != nil {
		return "", err
	}

	inst := newInstance(instanceID, def, correlation)
	o.mu.Lock()
	o.active[instanceID] = inst
	err = o.advance(inst)
	o.mu.Unlock()
	if err != nil {
		return instanceID, err
	}
	return instanceID, nil
}

func newInstance(id string, def Definition, correlation string) *instance {
	inst := &instance{
		id:          id,
		def:         def,
		correlation: correlation,
		byTask:      make(map[string]*stepStatus, len(def.Steps)),
	}
	for _, s := range def.Steps {
		ss := &stepStatus{step: s, taskID: stepTaskID(id, s.ID)}
		inst.steps = append(inst.steps, ss)
		inst.byTask[ss.taskID] = ss
	}
	return inst
}

// Cancel stops a workflow: every non-terminal task gets a Cancel, and the
// workflow row is marked cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	tasks, err := o.store.LoadByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State.Terminal() {
			continue
		}
		if err := o.core.Cancel(ctx, t.ID, "workflow_cancelled"); err != nil {
			o.log.Error().Err(err).Str("task_id", t.ID).Msg("workflow task cancel failed")
		}
	}
	now := time.Now().UTC()
	if err := o.store.UpdateWorkflowState(ctx, workflowID, StateCancelled, &now); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.active, workflowID)
	o.mu.Unlock()
	observability.WorkflowsCompleted.WithLabelValues(o.modeOf(ctx, workflowID), StateCancelled).Inc()
	return nil
}

func (o *Orchestrator) modeOf(ctx context.Context, workflowID string) string {
	if w, err := o.store.GetWorkflow(ctx, workflowID); err == nil {
		return w.Mode
	}
	return "unknown"
}

// registerTrigger subscribes the definition to its event filter; each
// matching event launches a parallel instance correlated to the event.
func (o *Orchestrator) registerTrigger(def Definition) error {
	name := "wf-trigger-" + def.ID
	sub := o.bus.Subscribe(name, def.Trigger.EventTypes, func(ev bus.Event) error {
		instDef := def
		instDef.Mode = Parallel
		instDef.Trigger = nil
		instanceID := def.ID + "-" + uuid.NewString()[:8]
		correlation := ev.CorrelationID
		if correlation == "" {
			correlation = ev.ID
		}
		_, err := o.launch(o.ctx, instDef, instanceID, correlation)
		return err
	})
	o.mu.Lock()
	o.triggers[def.ID] = sub
	o.mu.Unlock()
	return nil
}

// onTaskEvent routes TaskCompleted/TaskFailed to the owning workflow.
func (o *Orchestrator) onTaskEvent(ev bus.Event) error {
	var p bus.TaskEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	workflowID, stepID, ok := splitStepTaskID(p.TaskID)
	if !ok {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.active[workflowID]
	if !ok {
		return nil
	}
	ss, ok := inst.byTask[stepTaskID(workflowID, stepID)]
	if !ok {
		return nil
	}

	switch ev.Type {
	case bus.TaskCompleted:
		ss.state = task.StateCompleted
		if t, err := o.store.Get(o.ctx, ss.taskID); err == nil {
			ss.result = t.Result
		}
	case bus.TaskFailed:
		// TaskFailed covers failed and cancelled terminals; read the row for
		// the exact state.
		ss.state = task.StateFailed
		if t, err := o.store.Get(o.ctx, ss.taskID); err == nil && t.State.Terminal() {
			ss.state = t.State
		}
	}
	return o.advance(inst)
}

// splitStepTaskID recovers (workflowID, stepID) from a step task id.
func splitStepTaskID(taskID string) (string, string, bool) {
	i := strings.LastIndex(taskID, ".")
	if i <= 0 || i == len(taskID)-1 {
		return "", "", false
	}
	return taskID[:i], taskID[i+1:], true
}

// advance emits whatever the mode allows next and finalizes the workflow
// when every step is terminal. Caller holds o.mu.
func (o *Orchestrator) advance(inst *instance) error {
	if inst.finalized {
		return nil
	}
	switch inst.def.Mode {
	case Sequential, Conditional:
		if err := o.advanceOrdered(inst); err != nil {
			return err
		}
	case Parallel:
		if err := o.advanceParallel(inst); err != nil {
			return err
		}
	}
	o.maybeFinalize(inst)
	return nil
}

// advanceOrdered drives sequential and conditional workflows one step at a
// time. A conditional step whose predicate is false is skipped, not failed.
func (o *Orchestrator) advanceOrdered(inst *instance) error {
	for inst.cursor < len(inst.steps) {
		// Stop on a failed earlier step: the workflow is over.
		if inst.cursor > 0 {
			prev := inst.steps[inst.cursor-1]
			if !prev.terminal() {
				return nil // still waiting
			}
			if !prev.completed() {
				return nil // finalize will mark the workflow failed
			}
		}
		ss := inst.steps[inst.cursor]
		if ss.state != "" || ss.skipped {
			if !ss.terminal() {
				return nil // emitted and in flight
			}
			inst.cursor++
			continue
		}
		if pred := ss.step.Predicate; pred != nil {
			ref := inst.stepByID(pred.Step)
			if ref == nil || !pred.Eval(ref.result) {
				ss.skipped = true
				inst.cursor++
				continue
			}
		}
		if err := o.emitStep(inst, ss); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (o *Orchestrator) advanceParallel(inst *instance) error {
	emitted := false
	for _, ss := range inst.steps {
		if ss.state == "" && !ss.skipped {
			if err := o.emitStep(inst, ss); err != nil {
				return err
			}
			emitted = true
		}
	}
	if emitted {
		return nil
	}
	if inst.def.FailFast {
		for _, ss := range inst.steps {
			if ss.terminal() && !ss.completed() {
				o.cancelSiblings(inst, ss)
				break
			}
		}
	}
	return nil
}

func (o *Orchestrator) cancelSiblings(inst *instance, failed *stepStatus) {
	for _, ss := range inst.steps {
		if ss == failed || ss.terminal() || ss.state == "" {
			continue
		}
		if err := o.core.Cancel(o.ctx, ss.taskID, "workflow_fail_fast"); err != nil {
			o.log.Error().Err(err).Str("task_id", ss.taskID).Msg("fail-fast cancel failed")
		}
	}
}

func (o *Orchestrator) emitStep(inst *instance, ss *stepStatus) error {
	t := &task.Task{
		ID:               ss.taskID,
		Queue:            ss.step.Queue,
		Type:             ss.step.Type,
		Payload:          ss.step.Payload,
		Priority:         ss.step.Priority,
		Timeout:          ss.step.Timeout,
		CorrelationID:    inst.correlation,
		ParentWorkflowID: inst.id,
	}
	err := o.core.Submit(o.ctx, t)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Restart re-emission; adopt the existing task.
		existing, gerr := o.store.Get(o.ctx, ss.taskID)
		if gerr != nil {
			return gerr
		}
		ss.state = existing.State
		ss.result = existing.Result
		return nil
	}
	if err != nil {
		// Admission rejection fails the step, and with it the workflow.
		o.log.Error().Err(err).Str("workflow_id", inst.id).Str("step", ss.step.ID).
			Msg("workflow step rejected")
		ss.state = task.StateFailed
		return nil
	}
	ss.state = task.StatePending
	return nil
}

// maybeFinalize persists the terminal workflow state once every step is
// terminal or skipped. Caller holds o.mu.
func (o *Orchestrator) maybeFinalize(inst *instance) {
	allTerminal := true
	allCompleted := true
	anyFailed := false
	for _, ss := range inst.steps {
		if ss.state == "" && !ss.skipped {
			// Not yet emitted: ordered modes stop emitting after a failure,
			// which still ends the workflow.
			if inst.def.Mode == Sequential || inst.def.Mode == Conditional {
				continue
			}
			allTerminal = false
			continue
		}
		if !ss.terminal() {
			allTerminal = false
			continue
		}
		if !ss.completed() {
			anyFailed = true
			allCompleted = false
		}
	}
	if !allTerminal {
		return
	}
	if (inst.def.Mode == Sequential || inst.def.Mode == Conditional) && !anyFailed {
		// Ordered modes are only done when the cursor ran off the end.
		if inst.cursor < len(inst.steps) {
			return
		}
	}

	state := StateCompleted
	if anyFailed || !allCompleted {
		state = StateFailed
	}
	inst.finalized = true
	now := time.Now().UTC()
	if err := o.store.UpdateWorkflowState(o.ctx, inst.id, state, &now); err != nil {
		o.log.Error().Err(err).Str("workflow_id", inst.id).Msg("workflow state update failed")
	}
	observability.WorkflowsCompleted.WithLabelValues(string(inst.def.Mode), state).Inc()
	delete(o.active, inst.id)

	if state == StateCompleted {
		o.bus.PublishType(bus.WorkflowCompleted, "orchestrator", inst.correlation, map[string]string{
			"workflow_id": inst.id,
			"mode":        string(inst.def.Mode),
		})
	} else {
		o.bus.PublishType(bus.AlertRaised, "orchestrator", inst.correlation, bus.AlertPayload{
			Severity: bus.SeverityWarning,
			Name:     "workflow_failed",
			Detail:   "workflow " + inst.id + " ended " + state,
		})
	}
	o.log.Info().Str("workflow_id", inst.id).Str("state", state).Msg("workflow finished")
}

func (inst *instance) stepByID(id string) *stepStatus {
	for _, ss := range inst.steps {
		if ss.step.ID == id {
			return ss
		}
	}
	return nil
}

// rehydrate rebuilds running workflows after a restart by re-reading their
// definitions and the states of their emitted tasks, then advancing.
func (o *Orchestrator) rehydrate(ctx context.Context) error {
	rows, err := o.store.ListWorkflowsByState(ctx, StateRunning)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var def Definition
		if err := json.Unmarshal(row.Definition, &def); err != nil {
			o.log.Error().Err(err).Str("workflow_id", row.ID).Msg("workflow definition corrupt")
			continue
		}
		inst := newInstance(row.ID, def, row.ID)
		tasks, err := o.store.LoadByWorkflow(ctx, row.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if ss, ok := inst.byTask[t.ID]; ok {
				ss.state = t.State
				ss.result = t.Result
				inst.correlation = t.CorrelationID
			}
		}
		// Restore the ordered-mode cursor past every emitted step.
		for inst.cursor < len(inst.steps) && (inst.steps[inst.cursor].state != "" || inst.steps[inst.cursor].skipped) {
			if !inst.steps[inst.cursor].terminal() {
				break
			}
			inst.cursor++
		}
		o.mu.Lock()
		o.active[row.ID] = inst
		err = o.advance(inst)
		o.mu.Unlock()
		if err != nil {
			return err
		}
		o.log.Info().Str("workflow_id", row.ID).Msg("workflow rehydrated")
	}
	return nil
}

// Package sched is the scheduling core: it turns admitted tasks into handler
// executions while honoring priority, dependencies, concurrency slots, rate
// budgets, circuit breakers, and timeouts.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/breaker"
	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/queues"
	"github.com/itskum47/TradeForge/engine/ratelimit"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

// ErrAdmissionStopped is returned by Submit after the store has been declared
// unavailable or the engine is shutting down.
var ErrAdmissionStopped = errors.New("admission stopped")

// QueueOptions tunes one queue's run loop.
type QueueOptions struct {
	Enabled        bool
	MaxConcurrent  int
	MaxRetries     int
	DefaultTimeout time.Duration
	Breaker        breaker.Config
}

// Options tunes the engine.
type Options struct {
	Queues              map[task.Queue]QueueOptions
	StarvationThreshold time.Duration
	CancelGrace         time.Duration
	RetryBase           time.Duration
	RetryCap            time.Duration
	RateRetryCap        int
}

func (o Options) withDefaults() Options {
	if o.StarvationThreshold <= 0 {
		o.StarvationThreshold = 10 * time.Minute
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 60 * time.Second
	}
	if o.RateRetryCap <= 0 {
		o.RateRetryCap = 10
	}
	if o.Queues == nil {
		o.Queues = make(map[task.Queue]QueueOptions)
	}
	for _, q := range task.Queues() {
		opts, ok := o.Queues[q]
		if !ok {
			opts = QueueOptions{Enabled: true}
		}
		if opts.MaxConcurrent <= 0 {
			opts.MaxConcurrent = 4
		}
		if opts.MaxRetries < 0 {
			opts.MaxRetries = 3
		}
		if opts.DefaultTimeout <= 0 {
			opts.DefaultTimeout = 2 * time.Minute
		}
		o.Queues[q] = opts
	}
	return o
}

// running tracks one in-flight handler. ctx is the per-task context the
// handler executes under; cancel aborts it for Cancel, EmergencyStop, and
// shutdown drains.
type running struct {
	t           *task.Task
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once

	mu           sync.Mutex
	cancelReason string
}

func (r *running) setCancelReason(reason string) {
	r.mu.Lock()
	if r.cancelReason == "" {
		r.cancelReason = reason
	}
	r.mu.Unlock()
}

func (r *running) getCancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

// queueState is one lane's run-loop state.
type queueState struct {
	name task.Queue
	opts QueueOptions

	wake chan struct{}

	mu       sync.Mutex
	paused   bool
	inFlight map[string]*running
}

func (qs *queueState) freeSlots() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.opts.MaxConcurrent - len(qs.inFlight)
}

func (qs *queueState) notify() {
	select {
	case qs.wake <- struct{}{}:
	default:
	}
}

// Engine is the scheduling core. One run loop per queue plus the handler
// goroutines those loops dispatch.
type Engine struct {
	store    store.TaskStore
	bus      *bus.Bus
	budget   *ratelimit.Budget
	breakers *breaker.Registry
	registry *queues.Registry
	services *queues.Services
	log      zerolog.Logger
	opts     Options

	queues map[task.Queue]*queueState

	mu       sync.Mutex
	stopped  bool
	admitOff bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. The breaker registry's transition callback publishes
// CircuitOpened/CircuitClosed so every consumer sees breaker flips as events.
func New(st store.TaskStore, b *bus.Bus, budget *ratelimit.Budget, registry *queues.Registry, services *queues.Services, log zerolog.Logger, opts Options) *Engine {
	e := &Engine{
		store:    st,
		bus:      b,
		budget:   budget,
		registry: registry,
		services: services,
		log:      log.With().Str("component", "engine").Logger(),
		opts:     opts.withDefaults(),
		queues:   make(map[task.Queue]*queueState),
	}
	// Breakers are keyed by the upstream dependency the queue's handlers
	// declare, not by queue name.
	configs := make(map[string]breaker.Config)
	for q, qo := range e.opts.Queues {
		for _, typ := range registry.Types(q) {
			h, ok := registry.Lookup(q, typ)
			if !ok {
				continue
			}
			if dep := h.Dependency(); dep != "" {
				configs[dep] = qo.Breaker
			}
		}
	}
	e.breakers = breaker.NewRegistry(configs, func(dep string, opened bool, failures int) {
		if opened {
			e.bus.PublishType(bus.CircuitOpened, "engine", "", bus.CircuitEventPayload{
				Dependency: dep, Failures: failures,
			})
		} else {
			e.bus.PublishType(bus.CircuitClosed, "engine", "", bus.CircuitEventPayload{Dependency: dep})
		}
		e.wakeAll()
	})
	for _, q := range task.Queues() {
		e.queues[q] = &queueState{
			name:     q,
			opts:     e.opts.Queues[q],
			wake:     make(chan struct{}, 1),
			inFlight: make(map[string]*running),
		}
	}
	return e
}

// Breakers exposes the breaker registry for handlers and monitoring.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// StopAdmissions rejects all further Submits. Called when the store is
// declared unavailable.
func (e *Engine) StopAdmissions(cause error) {
	e.mu.Lock()
	already := e.admitOff
	e.admitOff = true
	e.mu.Unlock()
	if already {
		return
	}
	e.log.Error().Err(cause).Msg("admissions stopped")
	e.bus.PublishType(bus.CircuitOpened, "engine", "", bus.CircuitEventPayload{Dependency: "store"})
}

// Start rehydrates interrupted work and launches the per-queue run loops.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.rehydrate(e.ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	for _, qs := range e.queues {
		e.wg.Add(1)
		go e.runLoop(qs)
	}
	e.log.Info().Msg("engine started")
	return nil
}

// Stop cancels the run loops, signals every in-flight handler, and waits up
// to the cancel grace for them to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.admitOff = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info().Msg("engine stopped")
}

// rehydrate resets tasks found Running after a crash back to Ready so they
// are re-dispatched. Pending/Ready rows need nothing: the run loops pick them
// up from the store.
func (e *Engine) rehydrate(ctx context.Context) error {
	tasks, err := e.store.LoadNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State != task.StateRunning {
			continue
		}
		err := e.store.Transition(ctx, t.ID, task.StateRunning, task.StateReady, store.Patch{})
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			return err
		}
		e.log.Warn().Str("task_id", t.ID).Str("queue", string(t.Queue)).
			Msg("requeued task interrupted by restart")
	}
	return nil
}

// Submit validates and persists a task. Deps empty or already satisfied
// admit straight to Ready; otherwise the task parks as Pending until its
// dependencies complete.
func (e *Engine) Submit(ctx context.Context, t *task.Task) error {
	e.mu.Lock()
	off := e.admitOff
	e.mu.Unlock()
	if off {
		return ErrAdmissionStopped
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CorrelationID == "" {
		t.CorrelationID = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}

	qo, verr := e.validate(ctx, t)
	if verr != nil {
		observability.AdmissionRejections.WithLabelValues(verr.Code).Inc()
		return verr
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = qo.MaxRetries
	}
	if t.Timeout <= 0 {
		t.Timeout = qo.DefaultTimeout
	}

	depsState, err := e.depsState(ctx, t.Dependencies)
	if err != nil {
		return err
	}
	switch depsState {
	case depsSatisfied:
		t.State = task.StateReady
	case depsFailed:
		t.State = task.StatePending // cancelled right after admission
	default:
		t.State = task.StatePending
	}

	if err := e.store.Admit(ctx, t); err != nil {
		return err
	}
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(t.State)).Inc()
	e.publishTaskEvent(bus.TaskCreated, t, "")

	if depsState == depsFailed {
		e.failDependent(ctx, t.ID)
	}
	e.queues[t.Queue].notify()
	return nil
}

type depsResult int

const (
	depsPending depsResult = iota
	depsSatisfied
	depsFailed
)

// depsState reports whether every dep completed, any dep ended in a
// non-Completed terminal state, or some dep is still in flight.
func (e *Engine) depsState(ctx context.Context, deps []string) (depsResult, error) {
	result := depsSatisfied
	for _, dep := range deps {
		d, err := e.store.Get(ctx, dep)
		if err != nil {
			return depsPending, err
		}
		switch {
		case d.State == task.StateCompleted:
		case d.State.Terminal():
			return depsFailed, nil
		default:
			result = depsPending
		}
	}
	return result, nil
}

// validate applies the admission rules: known queue and task type, payload
// schema, priority bounds, existing dependencies, and an acyclic dependency
// graph.
func (e *Engine) validate(ctx context.Context, t *task.Task) (QueueOptions, *task.Error) {
	if !t.Queue.Valid() {
		return QueueOptions{}, task.ValidationErr(task.CodeUnknownQueue, "unknown queue %q", t.Queue)
	}
	e.mu.Lock()
	qo := e.opts.Queues[t.Queue]
	e.mu.Unlock()
	h, ok := e.registry.Lookup(t.Queue, t.Type)
	if !ok {
		return qo, task.ValidationErr(task.CodeUnknownTaskType, "no handler for %s/%s", t.Queue, t.Type)
	}
	if t.Priority < task.MinPriority || t.Priority > task.MaxPriority {
		return qo, task.ValidationErr(task.CodeBadPriority, "priority %d outside [%d,%d]", t.Priority, task.MinPriority, task.MaxPriority)
	}
	if err := h.Validate(t.Payload); err != nil {
		var te *task.Error
		if errors.As(err, &te) {
			return qo, te
		}
		return qo, task.ValidationErr(task.CodeBadPayload, "%v", err)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return qo, task.ValidationErr(task.CodeCycleDetected, "task %s depends on itself", t.ID)
		}
		if _, err := e.store.Get(ctx, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return qo, task.ValidationErr(task.CodeMissingDependency, "dependency %s does not exist", dep)
			}
			return qo, task.Errf(task.KindTransient, "dependency lookup: %v", err)
		}
	}
	if err := e.checkCycle(ctx, t); err != nil {
		return qo, err
	}
	return qo, nil
}

// checkCycle walks the transitive dependency edges by DFS. Stored tasks form
// a DAG by construction, so a cycle can only close through the new task's id.
func (e *Engine) checkCycle(ctx context.Context, t *task.Task) *task.Error {
	visited := map[string]bool{}
	var walk func(id string) *task.Error
	walk = func(id string) *task.Error {
		if id == t.ID {
			return task.ValidationErr(task.CodeCycleDetected, "dependency cycle through %s", t.ID)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		d, err := e.store.Get(ctx, id)
		if err != nil {
			return nil // missing deps were already rejected
		}
		for _, dep := range d.Dependencies {
			if verr := walk(dep); verr != nil {
				return verr
			}
		}
		return nil
	}
	for _, dep := range t.Dependencies {
		if verr := walk(dep); verr != nil {
			return verr
		}
	}
	return nil
}

// Cancel transitions a task out of the pipeline. Running tasks get a
// cooperative cancellation signal and up to the cancel grace to return;
// handlers that overrun are abandoned and recorded as unresponsive.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch t.State {
	case task.StatePending, task.StateReady:
		return e.cancelIdle(ctx, t, reason)
	case task.StateRunning:
		return e.cancelRunning(ctx, t, reason)
	default:
		return nil // already terminal
	}
}

func (e *Engine) cancelIdle(ctx context.Context, t *task.Task, reason string) error {
	now := time.Now().UTC()
	patch := store.Patch{
		CompletedAt:  &now,
		CancelReason: reason,
		Err:          &task.Error{Kind: task.KindCancelled, Message: reason},
	}
	err := e.store.Transition(ctx, t.ID, t.State, task.StateCancelled, patch)
	if errors.Is(err, store.ErrStaleState) {
		return nil // raced with a dispatch or another cancel
	}
	if err != nil {
		return err
	}
	t.State = task.StateCancelled
	t.LastError = patch.Err
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateCancelled)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, reason)
	e.cascadeCancel(ctx, t.ID)
	return nil
}

func (e *Engine) cancelRunning(ctx context.Context, t *task.Task, reason string) error {
	qs := e.queues[t.Queue]
	qs.mu.Lock()
	rn := qs.inFlight[t.ID]
	qs.mu.Unlock()
	if rn == nil {
		// Completion raced us; nothing to signal.
		return nil
	}
	rn.setCancelReason(reason)
	rn.cancel()

	select {
	case <-rn.done:
		return nil
	case <-time.After(e.opts.CancelGrace):
	}

	// Handler ignored cancellation. Abandon it: mark the task Cancelled and
	// free the slot so the queue keeps moving. The goroutine is leaked by
	// contract; its eventual return is ignored because the CAS below already
	// moved the task out of Running.
	observability.HandlerUnresponsive.WithLabelValues(string(t.Queue), t.Type).Inc()
	e.log.Warn().Str("task_id", t.ID).Str("task_type", t.Type).
		Msg("handler unresponsive past cancel grace")

	now := time.Now().UTC()
	err := e.store.Transition(ctx, t.ID, task.StateRunning, task.StateCancelled, store.Patch{
		CompletedAt:  &now,
		CancelReason: reason,
		Err:          &task.Error{Kind: task.KindCancelled, Message: "handler unresponsive: " + reason},
	})
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	if err != nil {
		return err
	}
	t.State = task.StateCancelled
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateCancelled)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, "cancelled")
	e.releaseSlot(qs, t.ID, rn)
	e.cascadeCancel(ctx, t.ID)
	return nil
}

// EmergencyStop pauses every queue and cancels every non-terminal task.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	for _, q := range task.Queues() {
		e.Pause(q)
	}
	e.bus.PublishType(bus.EmergencyStop, "engine", "", map[string]string{"reason": reason})

	tasks, err := e.store.LoadNonTerminal(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.Cancel(ctx, id, "emergency_stop"); err != nil {
				e.log.Error().Err(err).Str("task_id", id).Msg("emergency cancel failed")
			}
		}(t.ID)
	}
	wg.Wait()
	return nil
}

// QueueUpdate carries the runtime-tunable queue knobs. Nil fields keep their
// current value.
type QueueUpdate struct {
	Enabled          *bool
	MaxConcurrent    *int
	MaxRetries       *int
	DefaultTimeout   *time.Duration
	BreakerThreshold *int
	BreakerWindow    *time.Duration
	BreakerCooldown  *time.Duration
}

// UpdateQueue applies a runtime configuration change to one lane. New
// admissions and the next dispatch batch observe the updated knobs;
// in-flight handlers keep the limits they started with.
func (e *Engine) UpdateQueue(q task.Queue, u QueueUpdate) error {
	qs, ok := e.queues[q]
	if !ok {
		return task.ValidationErr(task.CodeUnknownQueue, "unknown queue %q", q)
	}
	if u.MaxConcurrent != nil && *u.MaxConcurrent <= 0 {
		return task.ValidationErr(task.CodeBadPayload, "max_concurrent must be positive")
	}
	if u.MaxRetries != nil && *u.MaxRetries < 0 {
		return task.ValidationErr(task.CodeBadPayload, "max_retries must be non-negative")
	}
	if u.DefaultTimeout != nil && *u.DefaultTimeout <= 0 {
		return task.ValidationErr(task.CodeBadPayload, "default_timeout must be positive")
	}

	qs.mu.Lock()
	opts := qs.opts
	if u.Enabled != nil {
		opts.Enabled = *u.Enabled
	}
	if u.MaxConcurrent != nil {
		opts.MaxConcurrent = *u.MaxConcurrent
	}
	if u.MaxRetries != nil {
		opts.MaxRetries = *u.MaxRetries
	}
	if u.DefaultTimeout != nil {
		opts.DefaultTimeout = *u.DefaultTimeout
	}
	breakerChanged := false
	if u.BreakerThreshold != nil {
		opts.Breaker.Threshold = *u.BreakerThreshold
		breakerChanged = true
	}
	if u.BreakerWindow != nil {
		opts.Breaker.Window = *u.BreakerWindow
		breakerChanged = true
	}
	if u.BreakerCooldown != nil {
		opts.Breaker.Cooldown = *u.BreakerCooldown
		breakerChanged = true
	}
	qs.opts = opts
	qs.mu.Unlock()

	e.mu.Lock()
	e.opts.Queues[q] = opts
	e.mu.Unlock()

	if breakerChanged {
		for _, typ := range e.registry.Types(q) {
			h, ok := e.registry.Lookup(q, typ)
			if !ok {
				continue
			}
			if dep := h.Dependency(); dep != "" {
				e.breakers.Configure(dep, opts.Breaker)
			}
		}
	}
	e.log.Info().Str("queue", string(q)).Msg("queue configuration updated")
	qs.notify()
	return nil
}

// Pause parks a queue's run loop; admitted tasks keep accumulating.
func (e *Engine) Pause(q task.Queue) {
	qs, ok := e.queues[q]
	if !ok {
		return
	}
	qs.mu.Lock()
	was := qs.paused
	qs.paused = true
	qs.mu.Unlock()
	if !was {
		e.bus.PublishType(bus.QueuePaused, "engine", "", map[string]string{"queue": string(q)})
	}
}

// Resume unparks a queue.
func (e *Engine) Resume(q task.Queue) {
	qs, ok := e.queues[q]
	if !ok {
		return
	}
	qs.mu.Lock()
	was := qs.paused
	qs.paused = false
	qs.mu.Unlock()
	if was {
		e.bus.PublishType(bus.QueueResumed, "engine", "", map[string]string{"queue": string(q)})
		qs.notify()
	}
}

// Paused reports a queue's pause flag.
func (e *Engine) Paused(q task.Queue) bool {
	qs, ok := e.queues[q]
	if !ok {
		return false
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.paused
}

// InFlight returns the number of running handlers for a queue.
func (e *Engine) InFlight(q task.Queue) int {
	qs, ok := e.queues[q]
	if !ok {
		return 0
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.inFlight)
}

func (e *Engine) wakeAll() {
	for _, qs := range e.queues {
		qs.notify()
	}
}

func (e *Engine) publishTaskEvent(t bus.EventType, tk *task.Task, reason string) {
	p := bus.TaskEventPayload{
		TaskID:     tk.ID,
		Queue:      string(tk.Queue),
		TaskType:   tk.Type,
		State:      string(tk.State),
		Reason:     reason,
		RetryCount: tk.RetryCount,
	}
	if tk.LastError != nil {
		p.ErrorKind = string(tk.LastError.Kind)
	}
	if tk.NextRetryAt != nil {
		p.NextRetryAt = tk.NextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	e.bus.PublishType(t, "engine", tk.CorrelationID, p)
}

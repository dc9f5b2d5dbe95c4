package sched

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/queues"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

// releaseSlot frees a task's concurrency slot exactly once and wakes the run
// loop.
func (e *Engine) releaseSlot(qs *queueState, id string, rn *running) {
	rn.releaseOnce.Do(func() {
		qs.mu.Lock()
		if _, ok := qs.inFlight[id]; ok {
			delete(qs.inFlight, id)
			observability.TasksInFlight.WithLabelValues(string(qs.name)).Dec()
		}
		qs.mu.Unlock()
		qs.notify()
	})
}

// backoff computes min(base * 2^n, cap) plus jitter in [0, base).
func (e *Engine) backoff(n int) time.Duration {
	d := e.opts.RetryCap
	if n < 30 {
		if v := e.opts.RetryBase << uint(n); v < d {
			d = v
		}
	}
	return d + time.Duration(rand.Int63n(int64(e.opts.RetryBase)))
}

// toTaskError normalizes any handler error into the structured taxonomy.
// Plain errors are assumed transient; context errors map to timeout and
// cancellation.
func toTaskError(err error) *task.Error {
	var te *task.Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return task.Errf(task.KindTimeout, "%v", err)
	}
	if errors.Is(err, context.Canceled) {
		return task.Errf(task.KindCancelled, "%v", err)
	}
	return task.Errf(task.KindTransient, "%v", err)
}

func (e *Engine) completeSuccess(qs *queueState, rn *running, h queues.Handler, grantedKeys map[string]string, result []byte) {
	t := rn.t
	e.reportBudget(grantedKeys, true, 0)
	if dep := h.Dependency(); dep != "" {
		e.breakers.Get(dep).RecordSuccess()
	}

	now := time.Now().UTC()
	err := e.store.Transition(e.ctx, t.ID, task.StateRunning, task.StateCompleted, store.Patch{
		Result:      json.RawMessage(result),
		CompletedAt: &now,
	})
	e.releaseSlot(qs, t.ID, rn)
	if err != nil {
		// A concurrent Cancel won the CAS; its outcome stands.
		if !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("completion transition failed")
		}
		return
	}
	t.State = task.StateCompleted
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateCompleted)).Inc()
	e.publishTaskEvent(bus.TaskCompleted, t, "")
	e.promoteDependents(e.ctx, t.ID)
}

func (e *Engine) completeFailure(qs *queueState, rn *running, h queues.Handler, grantedKeys map[string]string, terr *task.Error) {
	t := rn.t
	e.reportBudget(grantedKeys, terr.Kind != task.KindRateLimited, terr.RetryAfter)
	if dep := h.Dependency(); dep != "" {
		switch terr.Kind {
		case task.KindTransient, task.KindTimeout, task.KindFatal:
			e.breakers.Get(dep).RecordFailure()
		}
	}

	defer e.releaseSlot(qs, t.ID, rn)

	switch terr.Kind {
	case task.KindCircuitOpen:
		// Re-arm at cooldown expiry; no retry consumed.
		wait := terr.RetryAfter
		if wait <= 0 {
			if dep := h.Dependency(); dep != "" {
				wait = e.breakers.Get(dep).Cooldown()
			} else {
				wait = 30 * time.Second
			}
		}
		e.retryAt(t, terr, time.Now().Add(wait), nil, nil)
		return

	case task.KindRateLimited:
		rate := t.RateRetryCount + 1
		if rate <= e.opts.RateRetryCap {
			wait := terr.RetryAfter
			if wait <= 0 {
				wait = e.backoff(rate - 1)
			}
			e.retryAt(t, terr, time.Now().Add(wait), nil, &rate)
			return
		}
		// Rate cap exceeded: fall through to the normal retry budget.
		fallthrough

	case task.KindTransient, task.KindTimeout:
		if terr.Kind.Recoverable() && t.RetryCount < t.MaxRetries {
			rc := t.RetryCount + 1
			e.retryAt(t, terr, time.Now().Add(e.backoff(t.RetryCount)), &rc, nil)
			return
		}
	}

	e.failRunning(t, terr)
}

// retryAt moves a Running task back to Pending with a scheduled retry.
func (e *Engine) retryAt(t *task.Task, terr *task.Error, at time.Time, retryCount, rateRetryCount *int) {
	patch := store.Patch{
		Err:            terr,
		NextRetryAt:    &at,
		RetryCount:     retryCount,
		RateRetryCount: rateRetryCount,
	}
	err := e.store.Transition(e.ctx, t.ID, task.StateRunning, task.StatePending, patch)
	if err != nil {
		if !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("retry transition failed")
		}
		return
	}
	t.State = task.StatePending
	t.LastError = terr
	t.NextRetryAt = &at
	if retryCount != nil {
		t.RetryCount = *retryCount
		observability.TaskRetries.WithLabelValues(string(t.Queue)).Inc()
		e.publishTaskEvent(bus.TaskRetried, t, string(terr.Kind))
	}
	if rateRetryCount != nil {
		t.RateRetryCount = *rateRetryCount
		e.publishTaskEvent(bus.TaskRetried, t, string(terr.Kind))
	}
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StatePending)).Inc()
}

// failRunning marks a Running task terminally Failed and cascades.
func (e *Engine) failRunning(t *task.Task, terr *task.Error) {
	now := time.Now().UTC()
	err := e.store.Transition(e.ctx, t.ID, task.StateRunning, task.StateFailed, store.Patch{
		Err:         terr,
		CompletedAt: &now,
	})
	if err != nil {
		if !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("failure transition failed")
		}
		return
	}
	t.State = task.StateFailed
	t.LastError = terr
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateFailed)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, string(terr.Kind))
	if terr.Kind == task.KindFatal {
		e.bus.PublishType(bus.AlertRaised, "engine", t.CorrelationID, bus.AlertPayload{
			Severity: bus.SeverityCritical,
			Name:     "fatal_task_error",
			Detail:   terr.Error(),
			Queue:    string(t.Queue),
		})
	}
	e.cascadeCancel(e.ctx, t.ID)
}

// failTask terminally fails a task that never got a slot (e.g. its handler
// vanished between admission and dispatch).
func (e *Engine) failTask(ctx context.Context, qs *queueState, t *task.Task, terr *task.Error) {
	now := time.Now().UTC()
	err := e.store.Transition(ctx, t.ID, t.State, task.StateFailed, store.Patch{
		Err:         terr,
		CompletedAt: &now,
	})
	if err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("fail transition failed")
		}
		return
	}
	t.State = task.StateFailed
	t.LastError = terr
	observability.TaskTransitions.WithLabelValues(string(qs.name), string(task.StateFailed)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, string(terr.Kind))
	e.cascadeCancel(ctx, t.ID)
}

func (e *Engine) completeCancelled(qs *queueState, rn *running, reason string) {
	t := rn.t
	now := time.Now().UTC()
	err := e.store.Transition(e.ctx, t.ID, task.StateRunning, task.StateCancelled, store.Patch{
		CompletedAt:  &now,
		CancelReason: reason,
		Err:          &task.Error{Kind: task.KindCancelled, Message: reason},
	})
	e.releaseSlot(qs, t.ID, rn)
	if err != nil {
		// Cancel's unresponsive path may have already moved it.
		if !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("cancel transition failed")
		}
		return
	}
	t.State = task.StateCancelled
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateCancelled)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, "cancelled")
	e.cascadeCancel(e.ctx, t.ID)
}

// promoteDependents moves Pending dependents whose dependencies are now all
// Completed into Ready.
func (e *Engine) promoteDependents(ctx context.Context, id string) {
	dependents, err := e.store.LoadDependents(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("dependent scan failed")
		return
	}
	for _, depID := range dependents {
		d, err := e.store.Get(ctx, depID)
		if err != nil || d.State != task.StatePending || d.NextRetryAt != nil {
			continue
		}
		state, err := e.depsState(ctx, d.Dependencies)
		if err != nil || state != depsSatisfied {
			continue
		}
		err = e.store.Transition(ctx, depID, task.StatePending, task.StateReady, store.Patch{})
		if err != nil {
			if !errors.Is(err, store.ErrStaleState) {
				e.log.Error().Err(err).Str("task_id", depID).Msg("dependent promotion failed")
			}
			continue
		}
		observability.TaskTransitions.WithLabelValues(string(d.Queue), string(task.StateReady)).Inc()
		if qs, ok := e.queues[d.Queue]; ok {
			qs.notify()
		}
	}
}

// cascadeCancel cancels every dependent of a terminally non-Completed task.
// Any non-Completed terminal dependency cascades, cancellation included.
func (e *Engine) cascadeCancel(ctx context.Context, id string) {
	dependents, err := e.store.LoadDependents(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("cascade scan failed")
		return
	}
	for _, depID := range dependents {
		e.failDependent(ctx, depID)
	}
}

// failDependent cancels one waiting task with the dependency-failed reason
// and recurses through its own dependents.
func (e *Engine) failDependent(ctx context.Context, id string) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return
	}
	if t.State != task.StatePending && t.State != task.StateReady {
		return
	}
	now := time.Now().UTC()
	terr := &task.Error{Kind: task.KindDependencyFailed, Message: "upstream dependency did not complete"}
	err = e.store.Transition(ctx, id, t.State, task.StateCancelled, store.Patch{
		CompletedAt:  &now,
		CancelReason: task.CancelReasonDependencyFailed,
		Err:          terr,
	})
	if err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			e.log.Error().Err(err).Str("task_id", id).Msg("cascade cancel failed")
		}
		return
	}
	t.State = task.StateCancelled
	t.LastError = terr
	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateCancelled)).Inc()
	e.publishTaskEvent(bus.TaskFailed, t, task.CancelReasonDependencyFailed)
	e.cascadeCancel(ctx, id)
}

func (e *Engine) reportBudget(grantedKeys map[string]string, success bool, retryAfter time.Duration) {
	if e.budget == nil {
		return
	}
	for api, key := range grantedKeys {
		e.budget.ReportResult(api, key, success, retryAfter)
	}
}

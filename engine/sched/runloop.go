package sched

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/queues"
	"github.com/itskum47/TradeForge/engine/ratelimit"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

const (
	// loopTick bounds how long a run loop sleeps between wakes. Retry timers
	// and starvation aging both resolve on the next tick after they fall due.
	loopTick = 250 * time.Millisecond

	// readyWindow is how many Ready rows the loop loads before re-sorting by
	// effective priority. Wider than the slot count so aged low-priority
	// tasks can overtake fresher high-priority ones.
	readyWindow = 64
)

// runLoop is the per-queue worker: it promotes due retries, loads the
// admission batch ordered by effective priority, and dispatches handlers into
// free slots.
func (e *Engine) runLoop(qs *queueState) {
	defer e.wg.Done()
	log := e.log.With().Str("queue", string(qs.name)).Logger()

	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.drainQueue(qs)
			return
		case <-qs.wake:
		case <-ticker.C:
		}

		e.promoteDueRetries(qs)

		qs.mu.Lock()
		paused := qs.paused || !qs.opts.Enabled
		qs.mu.Unlock()
		if paused {
			continue
		}

		e.dispatchBatch(qs, log)
		e.sampleDepth(qs)
	}
}

// drainQueue signals in-flight handlers on shutdown and waits up to the
// cancel grace for each.
func (e *Engine) drainQueue(qs *queueState) {
	qs.mu.Lock()
	inflight := make([]*running, 0, len(qs.inFlight))
	for _, rn := range qs.inFlight {
		inflight = append(inflight, rn)
	}
	qs.mu.Unlock()

	deadline := time.After(e.opts.CancelGrace)
	for _, rn := range inflight {
		rn.setCancelReason("shutdown")
		rn.cancel()
	}
	for _, rn := range inflight {
		select {
		case <-rn.done:
		case <-deadline:
			observability.HandlerUnresponsive.WithLabelValues(string(qs.name), rn.t.Type).Inc()
		}
	}
}

// promoteDueRetries moves Pending tasks whose retry timer elapsed back to
// Ready.
func (e *Engine) promoteDueRetries(qs *queueState) {
	due, err := e.store.DueRetries(e.ctx, qs.name, time.Now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.log.Error().Err(err).Str("queue", string(qs.name)).Msg("due-retry scan failed")
		}
		return
	}
	for _, t := range due {
		err := e.store.Transition(e.ctx, t.ID, task.StatePending, task.StateReady, store.Patch{ClearNextRetry: true})
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("retry promotion failed")
		}
	}
}

// dispatchBatch fills the free slots from the Ready set.
func (e *Engine) dispatchBatch(qs *queueState, log zerolog.Logger) {
	free := qs.freeSlots()
	if free <= 0 {
		return
	}

	batch, err := e.store.LoadReady(e.ctx, qs.name, readyWindow)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("ready scan failed")
		}
		return
	}
	if len(batch) == 0 {
		return
	}

	// Effective priority folds in starvation aging; the store's raw order
	// only breaks ties.
	now := time.Now()
	threshold := e.opts.StarvationThreshold
	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := batch[i].EffectivePriority(now, threshold), batch[j].EffectivePriority(now, threshold)
		if pi != pj {
			return pi > pj
		}
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].ID < batch[j].ID
	})

	for _, t := range batch {
		if qs.freeSlots() <= 0 {
			return
		}
		e.tryDispatch(qs, t, log)
	}
}

// tryDispatch runs the per-candidate admission gates: rate budget, circuit
// breaker, then the CAS into Running.
func (e *Engine) tryDispatch(qs *queueState, t *task.Task, log zerolog.Logger) {
	h, ok := e.registry.Lookup(t.Queue, t.Type)
	if !ok {
		// Registered at admission but gone now; only possible across a
		// binary downgrade. Fail it rather than spin.
		e.failTask(e.ctx, qs, t, task.ValidationErr(task.CodeUnknownTaskType, "no handler for %s/%s", t.Queue, t.Type))
		return
	}

	// Rate budget across the handler's declared APIs. The first API that
	// cannot serve defers the whole dispatch; tokens already granted for
	// preceding APIs stay consumed, which slightly overcounts but keeps the
	// gate simple.
	grantedKeys := make(map[string]string)
	for _, api := range h.APIs() {
		if e.budget == nil || !e.budget.Known(api) {
			continue
		}
		d := e.budget.Acquire(api, 1)
		switch d.Outcome {
		case ratelimit.Granted:
			grantedKeys[api] = d.Key
		case ratelimit.Wait, ratelimit.Exhausted:
			wait := d.Wait
			if wait <= 0 {
				wait = time.Second
			}
			e.bus.PublishType(bus.RateLimitExceeded, "engine", t.CorrelationID, map[string]any{
				"api": api, "task_id": t.ID, "wait_ms": wait.Milliseconds(),
			})
			e.requeueWithDelay(t, wait)
			return
		}
	}

	// Circuit gate for the handler's upstream dependency.
	if dep := h.Dependency(); dep != "" {
		if ok, wait := e.breakers.Get(dep).Allow(); !ok {
			e.requeueWithDelay(t, wait)
			return
		}
	}

	rctx, rcancel := context.WithCancel(e.ctx)
	rn := &running{t: t, ctx: rctx, cancel: rcancel, done: make(chan struct{})}

	qs.mu.Lock()
	if len(qs.inFlight) >= qs.opts.MaxConcurrent {
		qs.mu.Unlock()
		rcancel()
		return
	}
	qs.inFlight[t.ID] = rn
	qs.mu.Unlock()
	observability.TasksInFlight.WithLabelValues(string(t.Queue)).Inc()

	now := time.Now().UTC()
	err := e.store.Transition(e.ctx, t.ID, task.StateReady, task.StateRunning, store.Patch{StartedAt: &now})
	if err != nil {
		// Cancelled or already picked between load and CAS.
		e.releaseSlot(qs, t.ID, rn)
		rcancel()
		if !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("task_id", t.ID).Msg("dispatch CAS failed")
		}
		return
	}
	t.State = task.StateRunning
	t.StartedAt = &now

	observability.TaskTransitions.WithLabelValues(string(t.Queue), string(task.StateRunning)).Inc()
	observability.TaskWaitSeconds.WithLabelValues(string(t.Queue)).Observe(now.Sub(t.CreatedAt).Seconds())
	e.publishTaskEvent(bus.TaskStarted, t, "")

	go e.execute(qs, rn, h, grantedKeys)
}

// requeueWithDelay re-arms a Ready task for a later attempt without touching
// its retry counters.
func (e *Engine) requeueWithDelay(t *task.Task, wait time.Duration) {
	at := time.Now().Add(wait)
	err := e.store.Transition(e.ctx, t.ID, task.StateReady, task.StatePending, store.Patch{NextRetryAt: &at})
	if err != nil && !errors.Is(err, store.ErrStaleState) && !errors.Is(err, context.Canceled) {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("requeue failed")
	}
}

// execute runs the handler under its deadline and routes the outcome to the
// completion logic. The inner goroutine lets the engine decide timeout and
// cancellation outcomes without waiting indefinitely for the handler.
func (e *Engine) execute(qs *queueState, rn *running, h queues.Handler, grantedKeys map[string]string) {
	t := rn.t
	start := time.Now()

	hctx, hcancel := context.WithTimeout(contextWithCorrelation(rn.ctx, t.CorrelationID), t.Timeout)
	defer hcancel()

	type outcome struct {
		result []byte
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := h.Handle(hctx, t.Clone(), e.services)
		resCh <- outcome{result, err}
	}()

	var out outcome
	timedOut := false
	select {
	case out = <-resCh:
	case <-hctx.Done():
		timedOut = errors.Is(hctx.Err(), context.DeadlineExceeded) && rn.getCancelReason() == ""
		// Give the handler the cancel grace to return; its late result is
		// ignored for state purposes.
		select {
		case out = <-resCh:
		case <-time.After(e.opts.CancelGrace):
			observability.HandlerUnresponsive.WithLabelValues(string(t.Queue), t.Type).Inc()
			out = outcome{err: task.Errf(task.KindTimeout, "handler did not return within cancel grace")}
		}
		if timedOut {
			out.err = task.Errf(task.KindTimeout, "deadline %s exceeded", t.Timeout)
			out.result = nil
		}
	}

	observability.TaskDuration.WithLabelValues(string(t.Queue), t.Type).Observe(time.Since(start).Seconds())

	if reason := rn.getCancelReason(); reason != "" && !timedOut {
		e.completeCancelled(qs, rn, reason)
		close(rn.done)
		return
	}
	if out.err != nil {
		e.completeFailure(qs, rn, h, grantedKeys, toTaskError(out.err))
	} else {
		e.completeSuccess(qs, rn, h, grantedKeys, out.result)
	}
	close(rn.done)
}

// sampleDepth refreshes the queue depth gauges.
func (e *Engine) sampleDepth(qs *queueState) {
	counts, err := e.store.CountByState(e.ctx, qs.name)
	if err != nil {
		return
	}
	for _, st := range []task.State{task.StatePending, task.StateReady, task.StateRunning} {
		observability.QueueDepth.WithLabelValues(string(qs.name), string(st)).Set(float64(counts[st]))
	}
}

type correlationKey struct{}

func contextWithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext extracts the correlation id handlers may log with.
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

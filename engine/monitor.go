package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/config"
	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/sched"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

// Monitor samples queue health on a configured interval, exports the gauges
// the dashboards read, and raises alerts when a queue drifts past its
// thresholds. Exceeding a threshold raises an AlertRaised event; the alert
// clears silently when the sample drops back under.
type Monitor struct {
	store  store.TaskStore
	bus    *bus.Bus
	engine *sched.Engine
	cfg    config.MonitorConfig
	log    zerolog.Logger

	mu       sync.Mutex
	outcomes map[task.Queue]*outcomeWindow
	alerted  map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// outcomeWindow counts terminal outcomes since the last sample.
type outcomeWindow struct {
	completed int
	failed    int
}

// NewMonitor wires the health monitor and subscribes it to task outcomes.
func NewMonitor(st store.TaskStore, eventBus *bus.Bus, engine *sched.Engine, cfg config.MonitorConfig, log zerolog.Logger) *Monitor {
	m := &Monitor{
		store:    st,
		bus:      eventBus,
		engine:   engine,
		cfg:      cfg,
		log:      log.With().Str("component", "monitor").Logger(),
		outcomes: make(map[task.Queue]*outcomeWindow),
		alerted:  make(map[string]bool),
	}
	eventBus.Subscribe("monitor", []bus.EventType{bus.TaskCompleted, bus.TaskFailed}, m.onOutcome)
	return m
}

func (m *Monitor) onOutcome(ev bus.Event) error {
	var p bus.TaskEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	q := task.Queue(p.Queue)
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.outcomes[q]
	if w == nil {
		w = &outcomeWindow{}
		m.outcomes[q] = w
	}
	if ev.Type == bus.TaskCompleted {
		w.completed++
	} else {
		w.failed++
	}
	return nil
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample(ctx)
			}
		}
	}()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

func (m *Monitor) sample(ctx context.Context) {
	for _, q := range task.Queues() {
		counts, err := m.store.CountByState(ctx, q)
		if err != nil {
			m.log.Error().Err(err).Str("queue", string(q)).Msg("health sample failed")
			continue
		}
		depth := 0
		for state, n := range counts {
			observability.QueueDepth.WithLabelValues(string(q), string(state)).Set(float64(n))
			if state == task.StatePending || state == task.StateReady {
				depth += n
			}
		}

		var age time.Duration
		oldest, ok, err := m.store.OldestNonTerminal(ctx, q)
		if err != nil {
			m.log.Error().Err(err).Str("queue", string(q)).Msg("oldest-task sample failed")
		} else if ok {
			age = time.Since(oldest)
		}
		observability.OldestPendingAge.WithLabelValues(string(q)).Set(age.Seconds())

		m.checkThresholds(q, depth, age)
	}
}

func (m *Monitor) checkThresholds(q task.Queue, depth int, age time.Duration) {
	m.mu.Lock()
	w := m.outcomes[q]
	var completed, failed int
	if w != nil {
		completed, failed = w.completed, w.failed
		w.completed, w.failed = 0, 0
	}
	m.mu.Unlock()

	m.raise(q, "queue_depth_high", depth > m.cfg.DepthLimit,
		fmt.Sprintf("%d tasks waiting (limit %d)", depth, m.cfg.DepthLimit))

	m.raise(q, "oldest_task_stalled", age > m.cfg.OldestAge,
		fmt.Sprintf("oldest non-terminal task is %s old", age.Round(time.Second)))

	total := completed + failed
	if total >= m.cfg.ErrorRateFloor {
		rate := float64(failed) / float64(total)
		m.raise(q, "error_rate_high", rate > m.cfg.ErrorRate,
			fmt.Sprintf("%d of %d tasks failed in the last interval", failed, total))
	}
}

// raise publishes an alert on a false-to-true threshold crossing and logs the
// clear on the way back down.
func (m *Monitor) raise(q task.Queue, name string, breached bool, detail string) {
	key := string(q) + "/" + name
	m.mu.Lock()
	was := m.alerted[key]
	m.alerted[key] = breached
	m.mu.Unlock()

	switch {
	case breached && !was:
		m.log.Warn().Str("queue", string(q)).Str("alert", name).Msg(detail)
		m.bus.PublishType(bus.AlertRaised, "monitor", "", bus.AlertPayload{
			Severity: bus.SeverityWarning,
			Name:     name,
			Detail:   detail,
			Queue:    string(q),
		})
	case !breached && was:
		m.log.Info().Str("queue", string(q)).Str("alert", name).Msg("alert cleared")
	}
}

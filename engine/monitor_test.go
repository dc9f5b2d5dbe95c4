package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/config"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []bus.AlertPayload
}

func (r *alertRecorder) record(ev bus.Event) error {
	var p bus.AlertPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	r.mu.Lock()
	r.alerts = append(r.alerts, p)
	r.mu.Unlock()
	return nil
}

func (r *alertRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Name
	}
	return out
}

func newMonitorFixture(t *testing.T, cfg config.MonitorConfig) (*Monitor, *store.MemoryStore, *alertRecorder) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	rec := &alertRecorder{}
	b.Subscribe("alerts", []bus.EventType{bus.AlertRaised}, rec.record)
	m := NewMonitor(st, b, nil, cfg, zerolog.Nop())
	return m, st, rec
}

func admitReady(t *testing.T, st *store.MemoryStore, q task.Queue, id string, created time.Time) {
	t.Helper()
	require.NoError(t, st.Admit(context.Background(), &task.Task{
		ID:        id,
		Queue:     q,
		Type:      "fetch",
		Priority:  5,
		State:     task.StateReady,
		Timeout:   time.Minute,
		CreatedAt: created,
	}))
}

func TestMonitorDepthAlertUsesConfiguredLimit(t *testing.T) {
	m, st, rec := newMonitorFixture(t, config.MonitorConfig{
		Interval:       time.Second,
		DepthLimit:     2,
		OldestAge:      time.Hour,
		ErrorRate:      0.5,
		ErrorRateFloor: 10,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		admitReady(t, st, task.QueueDataFetcher, fmt.Sprintf("d%d", i), time.Now())
	}
	m.sample(ctx)

	require.Eventually(t, func() bool {
		return len(rec.names()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "queue_depth_high", rec.names()[0])

	// Still breached on the next sample: edge-triggered, no duplicate.
	m.sample(ctx)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.names(), 1)
}

func TestMonitorDepthUnderLimitStaysQuiet(t *testing.T) {
	m, st, rec := newMonitorFixture(t, config.MonitorConfig{
		Interval:       time.Second,
		DepthLimit:     5,
		OldestAge:      time.Hour,
		ErrorRate:      0.5,
		ErrorRateFloor: 10,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		admitReady(t, st, task.QueueDataFetcher, fmt.Sprintf("d%d", i), time.Now())
	}
	m.sample(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.names())
}

func TestMonitorOldestAgeAlertUsesConfiguredAge(t *testing.T) {
	m, st, rec := newMonitorFixture(t, config.MonitorConfig{
		Interval:       time.Second,
		DepthLimit:     500,
		OldestAge:      time.Minute,
		ErrorRate:      0.5,
		ErrorRateFloor: 10,
	})
	ctx := context.Background()

	admitReady(t, st, task.QueuePortfolioSync, "stale", time.Now().Add(-5*time.Minute))
	m.sample(ctx)

	require.Eventually(t, func() bool {
		names := rec.names()
		return len(names) == 1 && names[0] == "oldest_task_stalled"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorErrorRateRespectsConfiguredFloor(t *testing.T) {
	m, _, rec := newMonitorFixture(t, config.MonitorConfig{
		Interval:       time.Second,
		DepthLimit:     500,
		OldestAge:      time.Hour,
		ErrorRate:      0.5,
		ErrorRateFloor: 4,
	})

	fail := func(n int) {
		for i := 0; i < n; i++ {
			payload, err := json.Marshal(bus.TaskEventPayload{TaskID: "x", Queue: string(task.QueueAIAnalysis)})
			require.NoError(t, err)
			require.NoError(t, m.onOutcome(bus.Event{Type: bus.TaskFailed, Payload: payload}))
		}
	}

	// Three failures sit under the four-outcome floor: no alert.
	fail(3)
	m.checkThresholds(task.QueueAIAnalysis, 0, 0)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.names())

	// Four failures clear the floor at a 100% rate: alert fires.
	fail(4)
	m.checkThresholds(task.QueueAIAnalysis, 0, 0)
	require.Eventually(t, func() bool {
		names := rec.names()
		return len(names) == 1 && names[0] == "error_rate_high"
	}, 2*time.Second, 10*time.Millisecond)
}

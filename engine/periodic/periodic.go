// Package periodic emits recurring tasks onto the queues: portfolio syncs,
// data refreshes, and the morning/evening analysis runs. Entries may be
// restricted to market hours.
package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/observability"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
	"github.com/itskum47/TradeForge/engine/workflow"
)

const tick = time.Second

// PayloadFunc produces the payload for one emission. Called at fire time so
// payloads can embed the current date or window.
type PayloadFunc func(now time.Time) json.RawMessage

// Entry is one registered periodic emission.
type Entry struct {
	Name            string
	Queue           task.Queue
	TaskType        string
	Payload         PayloadFunc
	Period          time.Duration
	Priority        int
	MarketHoursOnly bool

	nextDue    time.Time
	lastTaskID string
}

// MarketWindow bounds market-hours-only entries.
type MarketWindow struct {
	Location *time.Location
	OpenMin  int // minutes from midnight
	CloseMin int
}

// Contains reports whether now falls inside the window on a weekday.
func (w MarketWindow) Contains(now time.Time) bool {
	local := now.In(w.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= w.OpenMin && minutes <= w.CloseMin
}

// Scheduler drives the registered entries off a monotonic ticker.
type Scheduler struct {
	core   workflow.Core
	store  store.TaskStore
	window MarketWindow
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the background scheduler.
func New(core workflow.Core, st store.TaskStore, window MarketWindow, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		core:    core,
		store:   st,
		window:  window,
		log:     log.With().Str("component", "periodic").Logger(),
		entries: make(map[string]*Entry),
	}
}

// RegisterPeriodic adds an entry. Must be called before Start.
func (s *Scheduler) RegisterPeriodic(name string, q task.Queue, taskType string, payload PayloadFunc, period time.Duration, priority int, marketHoursOnly bool) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("duplicate periodic entry %q", name)
	}
	s.entries[name] = &Entry{
		Name:            name,
		Queue:           q,
		TaskType:        taskType,
		Payload:         payload,
		Period:          period,
		Priority:        priority,
		MarketHoursOnly: marketHoursOnly,
	}
	return nil
}

// Start recovers last-fire records, coalesces missed ticks into at most one
// catch-up emission per entry, and launches the tick loop. The recovered task
// id keeps the overlap check working across a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	now := time.Now()
	for _, e := range s.entries {
		last, taskID, err := s.store.LastFire(ctx, e.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("recover last fire for %s: %w", e.Name, err)
		}
		e.lastTaskID = taskID
		switch {
		case last.IsZero():
			e.nextDue = now.Add(e.Period)
		case now.Sub(last) >= e.Period:
			// Missed one or more ticks while down; coalesce to a single
			// immediate catch-up.
			e.nextDue = now
		default:
			e.nextDue = last.Add(e.Period)
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info().Int("entries", len(s.entries)).Msg("background scheduler started")
	return nil
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !now.Before(e.nextDue) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

// fire emits one instance of an entry, unless the market window excludes it
// or the previous instance is still non-terminal.
func (s *Scheduler) fire(ctx context.Context, e *Entry, now time.Time) {
	defer func() {
		s.mu.Lock()
		e.nextDue = now.Add(e.Period)
		s.mu.Unlock()
	}()

	if e.MarketHoursOnly && !s.window.Contains(now) {
		return
	}

	if e.lastTaskID != "" {
		prev, err := s.store.Get(ctx, e.lastTaskID)
		if err == nil && !prev.State.Terminal() {
			observability.PeriodicSkippedOverlap.WithLabelValues(e.Name).Inc()
			s.log.Warn().Str("entry", e.Name).Str("task_id", e.lastTaskID).
				Msg("skipped periodic emission, previous instance still running")
			return
		}
	}

	var payload json.RawMessage
	if e.Payload != nil {
		payload = e.Payload(now)
	}
	t := &task.Task{
		Queue:    e.Queue,
		Type:     e.TaskType,
		Payload:  payload,
		Priority: e.Priority,
	}
	if err := s.core.Submit(ctx, t); err != nil {
		s.log.Error().Err(err).Str("entry", e.Name).Msg("periodic emission rejected")
		return
	}
	e.lastTaskID = t.ID

	if err := s.store.RecordFire(ctx, e.Name, now, t.ID); err != nil {
		s.log.Error().Err(err).Str("entry", e.Name).Msg("last-fire record failed")
	}
}

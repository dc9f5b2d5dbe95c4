package periodic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
)

func nseWindow(t *testing.T) MarketWindow {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return MarketWindow{Location: loc, OpenMin: 9*60 + 15, CloseMin: 15*60 + 30}
}

func TestMarketWindowContains(t *testing.T) {
	w := nseWindow(t)
	loc := w.Location

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid-session monday", time.Date(2026, 8, 24, 11, 0, 0, 0, loc), true},
		{"open boundary", time.Date(2026, 8, 24, 9, 15, 0, 0, loc), true},
		{"close boundary", time.Date(2026, 8, 24, 15, 30, 0, 0, loc), true},
		{"before open", time.Date(2026, 8, 24, 9, 14, 0, 0, loc), false},
		{"after close", time.Date(2026, 8, 24, 15, 31, 0, 0, loc), false},
		{"saturday", time.Date(2026, 8, 22, 11, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 8, 23, 11, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, w.Contains(tc.at))
		})
	}
}

func TestMarketWindowConvertsZones(t *testing.T) {
	w := nseWindow(t)
	// 06:30 UTC is 12:00 IST, inside the session.
	require.True(t, w.Contains(time.Date(2026, 8, 24, 6, 30, 0, 0, time.UTC)))
	// 12:00 UTC is 17:30 IST, after close.
	require.False(t, w.Contains(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
}

// recordingCore collects submitted tasks.
type recordingCore struct {
	store store.TaskStore

	mu    sync.Mutex
	tasks []*task.Task
	err   error
}

func (c *recordingCore) Submit(ctx context.Context, t *task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	t.ID = fmt.Sprintf("emitted-%s-%d", t.Type, len(c.tasks))
	t.State = task.StateReady
	if c.store != nil {
		if err := c.store.Admit(ctx, t); err != nil {
			return err
		}
	}
	c.tasks = append(c.tasks, t.Clone())
	return nil
}

func (c *recordingCore) Cancel(context.Context, string, string) error { return nil }

func (c *recordingCore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func newTestScheduler(t *testing.T, core *recordingCore, st store.TaskStore) *Scheduler {
	t.Helper()
	return New(core, st, nseWindow(t), zerolog.Nop())
}

func TestRegisterAfterStartFails(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("a", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 5, false))
	require.Error(t, s.RegisterPeriodic("a", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 5, false),
		"duplicate name")
	require.Error(t, s.RegisterPeriodic("b", task.QueueDataFetcher, "fetch_news", nil, 0, 5, false),
		"zero period")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Error(t, s.RegisterPeriodic("late", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 5, false))
}

func TestFireEmitsTask(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("news", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 4, false))

	now := time.Now().UTC()
	s.fire(context.Background(), s.entries["news"], now)

	require.Equal(t, 1, core.count())
	require.Equal(t, task.QueueDataFetcher, core.tasks[0].Queue)
	require.Equal(t, 4, core.tasks[0].Priority)

	last, emitted, err := st.LastFire(context.Background(), "news")
	require.NoError(t, err)
	require.True(t, last.Equal(now))
	require.Equal(t, core.tasks[0].ID, emitted, "fire record keeps the emitted task id")
	require.True(t, s.entries["news"].nextDue.Equal(now.Add(time.Hour)))
}

func TestFireSkipsOutsideMarketWindow(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("sync", task.QueuePortfolioSync, "sync_balances", nil, time.Hour, 5, true))

	loc := s.window.Location
	sunday := time.Date(2026, 8, 23, 11, 0, 0, 0, loc)
	s.fire(context.Background(), s.entries["sync"], sunday)

	require.Zero(t, core.count())
	_, _, err := st.LastFire(context.Background(), "sync")
	require.ErrorIs(t, err, store.ErrNotFound, "a skipped window does not count as a fire")
	require.True(t, s.entries["sync"].nextDue.Equal(sunday.Add(time.Hour)),
		"skipped entries still advance to the next slot")
}

func TestFireSkipsWhileRunning(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("news", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 4, false))
	ctx := context.Background()

	now := time.Now().UTC()
	s.fire(ctx, s.entries["news"], now)
	require.Equal(t, 1, core.count())

	// The previous instance is still Ready; the next tick must not stack a
	// second one.
	s.fire(ctx, s.entries["news"], now.Add(time.Hour))
	require.Equal(t, 1, core.count())

	// Once it reaches a terminal state the schedule resumes.
	prev := core.tasks[0].ID
	tk, err := st.Get(ctx, prev)
	require.NoError(t, err)
	require.NoError(t, st.Transition(ctx, prev, tk.State, task.StateCompleted, store.Patch{}))
	s.fire(ctx, s.entries["news"], now.Add(2*time.Hour))
	require.Equal(t, 2, core.count())
}

func TestStartRecoversLastFire(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	ctx := context.Background()
	now := time.Now()

	// One entry missed several periods while down, one is mid-cycle, one has
	// never fired.
	require.NoError(t, st.RecordFire(ctx, "missed", now.Add(-5*time.Hour), "missed-0"))
	require.NoError(t, st.RecordFire(ctx, "mid", now.Add(-10*time.Minute), "mid-0"))

	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("missed", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 5, false))
	require.NoError(t, s.RegisterPeriodic("mid", task.QueueDataFetcher, "fetch_earnings", nil, time.Hour, 5, false))
	require.NoError(t, s.RegisterPeriodic("fresh", task.QueueDataFetcher, "fetch_fundamentals", nil, time.Hour, 5, false))

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.False(t, s.entries["missed"].nextDue.After(now.Add(time.Second)),
		"missed periods coalesce into one immediate catch-up")
	mid := s.entries["mid"].nextDue
	require.True(t, mid.After(now.Add(49*time.Minute)) && mid.Before(now.Add(51*time.Minute)),
		"mid-cycle entries keep their cadence")
	fresh := s.entries["fresh"].nextDue
	require.True(t, fresh.After(now.Add(59*time.Minute)),
		"never-fired entries wait one full period")
}

func TestOverlapCheckSurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	core := &recordingCore{store: st}
	s := newTestScheduler(t, core, st)
	require.NoError(t, s.RegisterPeriodic("news", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 4, false))
	ctx := context.Background()

	now := time.Now().UTC()
	s.fire(ctx, s.entries["news"], now.Add(-2*time.Hour))
	require.Equal(t, 1, core.count())

	// A fresh scheduler over the same store stands in for a restarted
	// process. The prior instance is still Ready, so the overdue catch-up
	// fire must skip rather than stack a second one.
	s2 := newTestScheduler(t, core, st)
	require.NoError(t, s2.RegisterPeriodic("news", task.QueueDataFetcher, "fetch_news", nil, time.Hour, 4, false))
	require.NoError(t, s2.Start(ctx))
	defer s2.Stop()

	s2.fire(ctx, s2.entries["news"], now)
	require.Equal(t, 1, core.count(), "restart must not double-emit over a live instance")

	// Once the recovered instance finishes, the schedule resumes.
	prev := core.tasks[0].ID
	tk, err := st.Get(ctx, prev)
	require.NoError(t, err)
	require.NoError(t, st.Transition(ctx, prev, tk.State, task.StateCompleted, store.Patch{}))
	s2.fire(ctx, s2.entries["news"], now.Add(time.Hour))
	require.Equal(t, 2, core.count())
}

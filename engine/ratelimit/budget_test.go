package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsUpToCapacity(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"broker": {Capacity: 3, RefillPerSec: 0.001},
	})

	for i := 0; i < 3; i++ {
		d := b.Acquire("broker", 1)
		require.Equal(t, Granted, d.Outcome, "grant %d", i)
		require.Equal(t, "default", d.Key)
	}

	d := b.Acquire("broker", 1)
	require.Equal(t, Wait, d.Outcome, "bucket drained, caller must wait")
	require.Greater(t, d.Wait, time.Duration(0))
}

func TestAcquireUnknownAPIIsExhausted(t *testing.T) {
	b := NewBudget(nil)
	d := b.Acquire("nope", 1)
	require.Equal(t, Exhausted, d.Outcome)
	require.False(t, b.Known("nope"))
}

func TestKeyRotationRoundRobin(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"llm": {Capacity: 10, RefillPerSec: 1, Keys: []string{"k1", "k2", "k3"}},
	})

	var order []string
	for i := 0; i < 6; i++ {
		d := b.Acquire("llm", 1)
		require.Equal(t, Granted, d.Outcome)
		order = append(order, d.Key)
	}
	require.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3"}, order)
}

func TestFrozenKeyIsSkipped(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"llm": {Capacity: 10, RefillPerSec: 1, Keys: []string{"k1", "k2"}},
	})

	d := b.Acquire("llm", 1)
	require.Equal(t, "k1", d.Key)
	b.ReportResult("llm", "k2", false, time.Minute)

	// k2 is frozen; every grant lands on k1.
	for i := 0; i < 4; i++ {
		d := b.Acquire("llm", 1)
		require.Equal(t, Granted, d.Outcome)
		require.Equal(t, "k1", d.Key)
	}
}

func TestAllKeysFrozenReportsMinimumWait(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"broker": {Capacity: 5, RefillPerSec: 1, Keys: []string{"k1", "k2"}},
	})
	b.ReportResult("broker", "k1", false, 2*time.Minute)
	b.ReportResult("broker", "k2", false, 30*time.Second)

	d := b.Acquire("broker", 1)
	require.Equal(t, Wait, d.Outcome)
	require.LessOrEqual(t, d.Wait, 30*time.Second, "wait hint is the soonest thaw")
	require.Greater(t, d.Wait, 25*time.Second)
}

func TestCostAboveCapacityNeverServes(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"market_data": {Capacity: 2, RefillPerSec: 1},
	})
	d := b.Acquire("market_data", 5)
	require.Equal(t, Exhausted, d.Outcome, "cost above bucket capacity cannot be granted by waiting")
}

func TestSuccessReportDoesNotFreeze(t *testing.T) {
	b := NewBudget(map[string]APIConfig{
		"broker": {Capacity: 5, RefillPerSec: 1, Keys: []string{"k1"}},
	})
	b.ReportResult("broker", "k1", true, 0)
	d := b.Acquire("broker", 1)
	require.Equal(t, Granted, d.Outcome)
}

package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEffectivePriorityAging(t *testing.T) {
	now := time.Now()
	threshold := 10 * time.Minute

	tk := &Task{Priority: 3, CreatedAt: now.Add(-5 * time.Minute)}
	require.Equal(t, 3, tk.EffectivePriority(now, threshold), "under threshold keeps base priority")

	tk.CreatedAt = now.Add(-13 * time.Minute)
	require.Equal(t, 6, tk.EffectivePriority(now, threshold), "one boost per minute past threshold")

	tk.CreatedAt = now.Add(-2 * time.Hour)
	require.Equal(t, MaxPriority, tk.EffectivePriority(now, threshold), "boost caps at max priority")
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateExpired} {
		require.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []State{StatePending, StateReady, StateRunning} {
		require.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCloneIsDeep(t *testing.T) {
	retry := time.Now()
	orig := &Task{
		ID:           "t1",
		Payload:      json.RawMessage(`{"a":1}`),
		Dependencies: []string{"d1", "d2"},
		NextRetryAt:  &retry,
		LastError:    &Error{Kind: KindTransient, Message: "boom"},
	}
	c := orig.Clone()

	c.Payload[2] = 'b'
	c.Dependencies[0] = "changed"
	*c.NextRetryAt = retry.Add(time.Hour)
	c.LastError.Message = "other"

	require.Equal(t, json.RawMessage(`{"a":1}`), orig.Payload)
	require.Equal(t, "d1", orig.Dependencies[0])
	require.True(t, orig.NextRetryAt.Equal(retry))
	require.Equal(t, "boom", orig.LastError.Message)
}

func TestErrorKindRecoverable(t *testing.T) {
	require.True(t, KindTransient.Recoverable())
	require.True(t, KindTimeout.Recoverable())
	require.True(t, KindRateLimited.Recoverable())
	require.True(t, KindCircuitOpen.Recoverable())
	require.False(t, KindValidation.Recoverable())
	require.False(t, KindFatal.Recoverable())
	require.False(t, KindCancelled.Recoverable())
	require.False(t, KindDependencyFailed.Recoverable())
}

func TestErrorFormatting(t *testing.T) {
	err := ValidationErr(CodeCycleDetected, "cycle through %s", "t9")
	require.Equal(t, "validation (CycleDetected): cycle through t9", err.Error())

	rl := RateLimitedErr(30*time.Second, "throttled")
	require.Equal(t, KindRateLimited, rl.Kind)
	require.Equal(t, 30*time.Second, rl.RetryAfter)
}

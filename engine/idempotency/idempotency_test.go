package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalClaimWinsOnce(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	claimed, err := s.Claim(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.Claim(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	require.False(t, claimed, "second claim within the TTL loses")

	claimed, err = s.Claim(ctx, "task-2", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed, "different keys are independent")
}

func TestLocalClaimExpires(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	claimed, err := s.Claim(ctx, "task-1", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, claimed)

	time.Sleep(40 * time.Millisecond)
	claimed, err = s.Claim(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed, "expired claim can be retaken")
}

func TestLocalRecordLookup(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	_, err := s.Lookup(ctx, "task-1")
	require.ErrorIs(t, err, ErrNoResult)

	result := json.RawMessage(`{"orders":3}`)
	require.NoError(t, s.Record(ctx, "task-1", result, time.Minute))

	got, err := s.Lookup(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, result, got)

	// The recorded copy is detached from the caller's buffer.
	result[2] = 'x'
	got, err = s.Lookup(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`{"orders":3}`), got)
}

func TestLocalReleaseReopensClaim(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	claimed, err := s.Claim(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.Release(ctx, "task-1"))
	claimed, err = s.Claim(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed, "release frees the key for a retry")
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquire_BurstThenExhausted(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(3)

	require.True(t, l.TryAcquire("dev-1", now))
	require.True(t, l.TryAcquire("dev-1", now))
	require.True(t, l.TryAcquire("dev-1", now))
	require.False(t, l.TryAcquire("dev-1", now))
}

func TestTryAcquire_RefillOnlyOnWholeSecondBoundary(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(2)

	require.True(t, l.TryAcquire("dev-1", now))
	require.True(t, l.TryAcquire("dev-1", now))
	require.False(t, l.TryAcquire("dev-1", now))

	// Sub-second elapsed time must not refill.
	require.False(t, l.TryAcquire("dev-1", now.Add(900*time.Millisecond)))

	// Crossing a whole second refills to capacity, not partially.
	require.True(t, l.TryAcquire("dev-1", now.Add(time.Second)))
	require.True(t, l.TryAcquire("dev-1", now.Add(time.Second)))
	require.False(t, l.TryAcquire("dev-1", now.Add(time.Second)))
}

func TestTryAcquire_RefillClampsAtCapacity(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(5)
	require.True(t, l.TryAcquire("dev-1", now))

	// Idle for a long time must not accumulate unbounded tokens.
	later := now.Add(time.Hour)
	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire("dev-1", later))
	}
	require.False(t, l.TryAcquire("dev-1", later))
}

func TestTryAcquire_PerClientIsolation(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(1)

	require.True(t, l.TryAcquire("dev-1", now))
	require.False(t, l.TryAcquire("dev-1", now))
	require.True(t, l.TryAcquire("dev-2", now))
}

func TestSnapshotAndReset(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(4)

	require.Equal(t, 4, l.Snapshot("dev-1"))
	l.TryAcquire("dev-1", now)
	l.TryAcquire("dev-1", now)
	require.Equal(t, 2, l.Snapshot("dev-1"))

	l.Reset("dev-1", now)
	require.Equal(t, 4, l.Snapshot("dev-1"))
}

func TestRemove(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	l := New(2)
	l.TryAcquire("dev-1", now)
	l.Remove("dev-1")
	require.Equal(t, 2, l.Snapshot("dev-1"))
}

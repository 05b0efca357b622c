package outbound

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/domain"
)

func frame(subject string) domain.Frame {
	return domain.Frame{Type: domain.FrameDelivered, Subject: subject}
}

func TestEnqueue_UnderCapacityNoDrop(t *testing.T) {
	b := New(3)
	require.False(t, b.Enqueue(frame("a")))
	require.False(t, b.Enqueue(frame("b")))
	require.Equal(t, uint64(0), b.DroppedCount())
}

func TestEnqueue_OverflowDropsOldest(t *testing.T) {
	b := New(2)
	require.False(t, b.Enqueue(frame("a")))
	require.False(t, b.Enqueue(frame("b")))
	require.True(t, b.Enqueue(frame("c")))

	first := <-b.C()
	require.Equal(t, "b", first.Subject)
	second := <-b.C()
	require.Equal(t, "c", second.Subject)
	require.Equal(t, uint64(1), b.DroppedCount())
}

func TestClose_DrainsRemainingThenChannelCloses(t *testing.T) {
	b := New(2)
	b.Enqueue(frame("a"))
	b.Close()

	f, ok := <-b.C()
	require.True(t, ok)
	require.Equal(t, "a", f.Subject)

	_, ok = <-b.C()
	require.False(t, ok)
}

func TestClose_Idempotent(t *testing.T) {
	b := New(1)
	require.NotPanics(t, func() {
		b.Close()
		b.Close()
	})
}

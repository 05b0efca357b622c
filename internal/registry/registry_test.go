package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/domain"
)

type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	closedAs domain.ErrorKind
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) CloseWithError(reason domain.ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closedAs = reason
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func ctxFor(id string) domain.ClientContext {
	return domain.ClientContext{ClientID: id, Role: "device", ExpiresAt: time.Now().Add(time.Hour)}
}

func TestRegisterLookupRemove(t *testing.T) {
	r := New()
	tr := newFakeTransport()
	r.Register(ctxFor("dev-1"), tr)

	got, ok := r.Context("dev-1")
	require.True(t, ok)
	require.Equal(t, "dev-1", got.ClientID)

	gotTr, ok := r.TransportFor("dev-1")
	require.True(t, ok)
	require.Equal(t, tr, gotTr)

	require.True(t, r.IsConnected("dev-1"))
	require.Equal(t, 1, r.Count())

	r.Remove("dev-1", tr)
	require.Equal(t, 0, r.Count())
	require.False(t, r.IsConnected("dev-1"))
}

func TestRegister_EvictsOlderSession(t *testing.T) {
	r := New()
	oldTr := newFakeTransport()
	newTr := newFakeTransport()

	r.Register(ctxFor("dev-1"), oldTr)
	r.Register(ctxFor("dev-1"), newTr)

	require.False(t, oldTr.IsOpen())
	require.Equal(t, domain.ErrReplacedBySession, oldTr.closedAs)
	require.True(t, newTr.IsOpen())

	gotTr, _ := r.TransportFor("dev-1")
	require.Equal(t, newTr, gotTr)
	require.Equal(t, 1, r.Count())
}

func TestRemove_IgnoresStaleTransport(t *testing.T) {
	r := New()
	oldTr := newFakeTransport()
	newTr := newFakeTransport()

	r.Register(ctxFor("dev-1"), oldTr)
	r.Register(ctxFor("dev-1"), newTr)

	// The evicted session's own teardown path calls Remove with its stale
	// transport reference; it must not evict the newer session.
	r.Remove("dev-1", oldTr)
	require.Equal(t, 1, r.Count())
	gotTr, _ := r.TransportFor("dev-1")
	require.Equal(t, newTr, gotTr)
}

func TestIDsAndCount(t *testing.T) {
	r := New()
	r.Register(ctxFor("dev-1"), newFakeTransport())
	r.Register(ctxFor("dev-2"), newFakeTransport())

	ids := r.IDs()
	require.Len(t, ids, 2)
	require.ElementsMatch(t, []string{"dev-1", "dev-2"}, ids)
	require.Equal(t, 2, r.Count())
}

func TestCloseAll_ClosesEveryTransportWithReason(t *testing.T) {
	r := New()
	tr1 := newFakeTransport()
	tr2 := newFakeTransport()
	r.Register(ctxFor("dev-1"), tr1)
	r.Register(ctxFor("dev-2"), tr2)

	r.CloseAll(domain.ErrServerShutdown)

	require.False(t, tr1.IsOpen())
	require.False(t, tr2.IsOpen())
	require.Equal(t, domain.ErrServerShutdown, tr1.closedAs)
	require.Equal(t, domain.ErrServerShutdown, tr2.closedAs)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "dev"
			r.Register(ctxFor(id), newFakeTransport())
			r.IsConnected(id)
			r.Count()
			r.IDs()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, r.Count())
}

package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BindUnbind(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(discardLogger(), nil)

	h := NewConn(0)
	req.Nil(r.Bind("u1", h))

	got, ok := r.Lookup("u1")
	req.True(ok)
	req.Same(h, got)
	req.True(r.Online("u1"))

	userID, ok := r.Unbind(h)
	req.True(ok)
	req.Equal("u1", userID)

	_, ok = r.Lookup("u1")
	req.False(ok)
	req.Zero(r.Len())

	_, ok = r.Unbind(h)
	req.False(ok, "unbind is a no-op the second time")
}

func TestRegistry_RebindKeepsNewestHandle(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(discardLogger(), nil)

	h1, h2 := NewConn(0), NewConn(0)
	req.Nil(r.Bind("u1", h1))
	req.Same(h1, r.Bind("u1", h2))

	got, ok := r.Lookup("u1")
	req.True(ok)
	req.Same(h2, got)

	_, ok = r.Unbind(h1)
	req.False(ok, "stale handle is no longer bound")

	got, ok = r.Lookup("u1")
	req.True(ok)
	req.Same(h2, got)
}

func TestRegistry_SameHandleRebindIsIdempotent(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(discardLogger(), nil)

	h := NewConn(0)
	req.Nil(r.Bind("u1", h))
	req.Nil(r.Bind("u1", h))
	req.Equal(1, r.Len())
}

func TestRegistry_HandleMovesToAnotherUser(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(discardLogger(), nil)

	h := NewConn(0)
	r.Bind("u1", h)
	r.Bind("u2", h)

	req.False(r.Online("u1"))
	req.True(r.Online("u2"))

	userID, ok := r.UserOf(h)
	req.True(ok)
	req.Equal("u2", userID)
	req.Equal(1, r.Len())
}

func TestRegistry_Close(t *testing.T) {
	req := require.New(t)
	r := NewRegistry(discardLogger(), nil)

	h1, h2 := NewConn(0), NewConn(0)
	r.Bind("u1", h1)
	r.Bind("u2", h2)

	r.Close("server shutdown")

	req.Zero(r.Len())
	req.True(h1.Closed())
	req.True(h2.Closed())
	req.Equal("server shutdown", h1.Reason())
}

func TestRegistry_OnlineGauge(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()
	r := NewRegistry(discardLogger(), NewMetrics(reg))

	h1, h2 := NewConn(0), NewConn(0)
	r.Bind("u1", h1)
	r.Bind("u2", h2)
	req.InDelta(2, metricValue(t, reg, "parley_online_users", nil), 0)

	r.Unbind(h1)
	req.InDelta(1, metricValue(t, reg, "parley_online_users", nil), 0)
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	r := NewRegistry(discardLogger(), nil)

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i%8)
			h := NewConn(0)
			r.Bind(user, h)
			r.Lookup(user)
			r.Unbind(h)
		}()
	}
	wg.Wait()

	// Every handle was unbound, so no user may still point at anything.
	require.Zero(t, r.Len())
	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Empty(t, r.byConn)
}

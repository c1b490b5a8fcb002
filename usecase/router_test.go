package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
	"github.com/fleetroute/fleetroute/infrastructure/store"
	"github.com/fleetroute/fleetroute/infrastructure/strategy"
)

func newTestRouter(t *testing.T, kind strategy.Kind, dispatch Dispatch) (*Router, *registry.Registry, *store.MemoryStore) {
	t.Helper()
	kv := store.NewMemoryStore()
	reg := registry.New(registry.DefaultConfig(), kv, nil)
	strat, err := strategy.New(kind)
	require.NoError(t, err)
	r := NewRouter(DefaultRouterConfig(), reg, strat, kv, dispatch, nil, nil)
	return r, reg, kv
}

func registerServers(t *testing.T, reg *registry.Registry, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("srv-%d", i)
		_, err := reg.AddServer(entity.ServerSpec{ID: id, URL: fmt.Sprintf("http://10.0.0.%d:8080", i+1), Capacity: 100})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestRouteRequestReturnsServerWhenHealthyExists(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	registerServers(t, reg, 3)

	for i := 0; i < 10; i++ {
		result, err := r.RouteRequest(context.Background(), &entity.RequestContext{ClientIP: "10.1.1.1"})
		require.NoError(t, err, "false NoHealthyServers with healthy fleet")
		require.NotNil(t, result.Server)
	}
}

func TestRouteRequestNoServersRegistered(t *testing.T) {
	r, _, _ := newTestRouter(t, strategy.RoundRobin, nil)
	_, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.ErrorIs(t, err, entity.ErrNoHealthyServers)
}

func TestRouteRequestAdmitsLeastConnected(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.LeastConnections, nil)
	ids := registerServers(t, reg, 3)

	for id, conns := range map[string]int{ids[0]: 5, ids[1]: 2, ids[2]: 8} {
		c := conns
		reg.UpdateServerMetrics(id, entity.ServerMetricsUpdate{Connections: &c})
	}

	result, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, ids[1], result.Server.ID)

	srv, _ := reg.Get(ids[1])
	assert.Equal(t, 3, srv.Connections, "admission must increment connections")
	assert.Equal(t, 1, srv.CurrentLoad)
}

func TestRouteRequestRetriesWithExclusion(t *testing.T) {
	var dispatched []string
	dispatch := func(_ context.Context, srv *entity.ServerInstance) error {
		dispatched = append(dispatched, srv.ID)
		if srv.ID == "srv-0" {
			return errors.New("connection refused")
		}
		return nil
	}
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, dispatch)
	registerServers(t, reg, 2)

	// Round-robin starts at srv-0, which fails; the retry must exclude it.
	result, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", result.Server.ID)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []string{"srv-0", "srv-1"}, dispatched)
}

func TestRouteRequestSurfacesLastErrorOnExhaustion(t *testing.T) {
	backendErr := errors.New("backend exploded")
	dispatch := func(context.Context, *entity.ServerInstance) error { return backendErr }

	r, reg, _ := newTestRouter(t, strategy.RoundRobin, dispatch)
	registerServers(t, reg, 2)

	_, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.ErrorIs(t, err, backendErr)
}

func TestRouteRequestSkipsCircuitOpenInstances(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	ids := registerServers(t, reg, 2)

	// Trip srv-0's breaker directly.
	brk, ok := reg.Breaker(ids[0])
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		_ = brk.Do(func() error { return errors.New("boom") })
	}
	require.Equal(t, "open", brk.State())

	for i := 0; i < 5; i++ {
		result, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
		require.NoError(t, err)
		assert.Equal(t, ids[1], result.Server.ID)
	}
}

func TestStickySessionPinsToSameServer(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	registerServers(t, reg, 3)

	req := &entity.RequestContext{ClientIP: "10.1.1.1", SessionID: "sess-abc"}
	first, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		next, err := r.RouteRequest(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Server.ID, next.Server.ID)
		assert.True(t, next.Sticky)
	}
}

func TestStickySessionFallsBackWhenServerRemoved(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	registerServers(t, reg, 2)

	req := &entity.RequestContext{ClientIP: "10.1.1.1", SessionID: "sess-abc"}
	first, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, reg.RemoveServer(first.Server.ID))

	second, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Server.ID, second.Server.ID)
	assert.False(t, second.Sticky)

	// The new mapping must now be in effect.
	third, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, second.Server.ID, third.Server.ID)
	assert.True(t, third.Sticky)
}

func TestStickySessionFallsBackWhenServerUnhealthy(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	registerServers(t, reg, 2)

	req := &entity.RequestContext{ClientIP: "10.1.1.1", SessionID: "sess-xyz"}
	first, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)

	reg.SetHealth(first.Server.ID, false, -1)

	second, err := r.RouteRequest(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.Server.ID, second.Server.ID)
}

func TestReleaseServerDecrementsCounters(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	ids := registerServers(t, reg, 1)

	_, err := r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.NoError(t, err)
	require.NoError(t, r.ReleaseServer(ids[0]))

	srv, _ := reg.Get(ids[0])
	assert.Zero(t, srv.Connections)
	assert.Zero(t, srv.CurrentLoad)
}

func TestStatsAggregatesFleet(t *testing.T) {
	r, reg, _ := newTestRouter(t, strategy.RoundRobin, nil)
	_, err := reg.AddServer(entity.ServerSpec{ID: "east-1", URL: "http://a", Region: "us-east", Capacity: 10})
	require.NoError(t, err)
	_, err = reg.AddServer(entity.ServerSpec{ID: "west-1", URL: "http://b", Region: "us-west", Capacity: 10})
	require.NoError(t, err)
	reg.SetHealth("west-1", false, -1)

	_, err = r.RouteRequest(context.Background(), &entity.RequestContext{})
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalServers)
	assert.Equal(t, 1, stats.HealthyServers)
	assert.Equal(t, uint64(1), stats.TotalRouted)
	assert.Equal(t, 1, stats.Regions["us-east"])
	assert.Equal(t, 1, stats.Regions["us-west"])
	require.Len(t, stats.Servers, 2)
}

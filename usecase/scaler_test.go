package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/metrics"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
)

// fakeProvider records provisioning calls and fabricates instances.
type fakeProvider struct {
	mu      sync.Mutex
	added   int
	removed []string
	failAdd bool
}

func (p *fakeProvider) AddInstance(_ context.Context, spec entity.ServerSpec) (*entity.ServerInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAdd {
		return nil, errors.Wrap(entity.ErrProvisioningFailure, "quota exceeded")
	}
	p.added++
	id := fmt.Sprintf("prov-%d", p.added)
	return &entity.ServerInstance{
		ID:       id,
		URL:      fmt.Sprintf("http://10.0.1.%d:8080", p.added),
		Region:   spec.Region,
		Capacity: spec.Capacity,
	}, nil
}

func (p *fakeProvider) RemoveInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
	return nil
}

func (p *fakeProvider) removedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.removed...)
}

func newTestScaler(t *testing.T, cfg ScalerConfig, prov *fakeProvider) (*Scaler, *registry.Registry, *metrics.Window) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, nil)
	w := metrics.NewWindow(time.Hour, 100)
	pred := metrics.NewPredictor(metrics.DefaultPredictorConfig(), w, nil)
	s := NewScaler(cfg, reg, w, pred, prov, nil, nil, nil)
	return s, reg, w
}

func addFleet(t *testing.T, reg *registry.Registry, n int) []string {
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

func TestShouldScaleWithoutHistory(t *testing.T) {
	s, reg, _ := newTestScaler(t, DefaultScalerConfig(), &fakeProvider{})
	addFleet(t, reg, 2)

	decision := s.ShouldScale()
	assert.Equal(t, entity.ScaleNone, decision.Action)
	assert.Equal(t, "no metrics history", decision.Reason)
	assert.Equal(t, 2, decision.OptimalInstances)
}

func TestShouldScaleSizesFromUtilization(t *testing.T) {
	s, reg, w := newTestScaler(t, DefaultScalerConfig(), &fakeProvider{})
	addFleet(t, reg, 1)

	// cpu 0.85 against target 0.7 needs 2 instances; memory 0.6 against
	// target 0.8 needs only 1. CPU dominates.
	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85, MemoryUsage: 0.6})

	decision := s.ShouldScale()
	assert.Equal(t, entity.ScaleUp, decision.Action)
	assert.Equal(t, 2, decision.OptimalInstances)
	assert.Equal(t, 1, decision.CurrentInstances)
}

func TestShouldScaleReportsOptimalFleet(t *testing.T) {
	s, reg, w := newTestScaler(t, DefaultScalerConfig(), &fakeProvider{})
	addFleet(t, reg, 2)

	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85, MemoryUsage: 0.6})

	decision := s.ShouldScale()
	assert.Equal(t, entity.ScaleNone, decision.Action)
	assert.Equal(t, "fleet size optimal", decision.Reason)
}

func TestShouldScaleClampsToBounds(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.MinInstances = 2
	cfg.MaxInstances = 3
	s, reg, w := newTestScaler(t, cfg, &fakeProvider{})
	addFleet(t, reg, 2)

	// Connection pressure alone would ask for 10x the fleet.
	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.5, ActiveConnections: 1000})
	decision := s.ShouldScale()
	assert.Equal(t, 3, decision.OptimalInstances)

	// An idle fleet never shrinks below the floor.
	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.01})
	decision = s.ShouldScale()
	assert.Equal(t, 2, decision.OptimalInstances)
	assert.Equal(t, entity.ScaleNone, decision.Action)
}

func TestEvaluateProvisionsAndStampsCooldown(t *testing.T) {
	prov := &fakeProvider{}
	s, reg, w := newTestScaler(t, DefaultScalerConfig(), prov)
	addFleet(t, reg, 1)

	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85})

	decision, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.ScaleUp, decision.Action)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 1, prov.added)

	// Heavier load inside the cooldown window must not scale again.
	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85, ActiveConnections: 300})
	blocked, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.ScaleNone, blocked.Action)
	assert.Equal(t, "scale-up cooldown active", blocked.Reason)
	assert.Greater(t, blocked.CooldownRemaining, time.Duration(0))
	assert.Equal(t, 2, reg.Len())
}

func TestEvaluateRetriesAfterProvisioningFailure(t *testing.T) {
	prov := &fakeProvider{failAdd: true}
	s, reg, w := newTestScaler(t, DefaultScalerConfig(), prov)
	addFleet(t, reg, 1)

	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85})

	decision, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entity.ScaleUp, decision.Action)
	assert.Equal(t, 1, reg.Len(), "failed provisioning must leave the fleet unchanged")

	// No cooldown stamp was taken, so the next cycle tries again.
	next := s.ShouldScale()
	assert.Equal(t, entity.ScaleUp, next.Action)
}

func TestEvaluateSingleFlight(t *testing.T) {
	s, reg, w := newTestScaler(t, DefaultScalerConfig(), &fakeProvider{})
	addFleet(t, reg, 1)
	w.Append(entity.MetricSample{Timestamp: time.Now(), CPULoad: 0.85})

	s.inFlight.Store(true)
	_, err := s.Evaluate(context.Background())
	require.ErrorIs(t, err, entity.ErrScalingInProgress)
	_, err = s.ManualScale(context.Background(), 5, "ops")
	require.ErrorIs(t, err, entity.ErrScalingInProgress)

	s.inFlight.Store(false)
	_, err = s.Evaluate(context.Background())
	require.NoError(t, err)
}

func TestManualScaleBypassesCooldown(t *testing.T) {
	prov := &fakeProvider{}
	s, reg, _ := newTestScaler(t, DefaultScalerConfig(), prov)
	addFleet(t, reg, 1)

	s.stampScaleUp()

	decision, err := s.ManualScale(context.Background(), 3, "traffic spike expected")
	require.NoError(t, err)
	assert.Equal(t, entity.ScaleUp, decision.Action)
	assert.Equal(t, 3, reg.Len())
	assert.Equal(t, 2, prov.added)
}

func TestManualScaleRespectsBounds(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.MaxInstances = 4
	prov := &fakeProvider{}
	s, reg, _ := newTestScaler(t, cfg, prov)
	addFleet(t, reg, 1)

	decision, err := s.ManualScale(context.Background(), 50, "stress test")
	require.NoError(t, err)
	assert.Equal(t, 4, decision.OptimalInstances)
	assert.Equal(t, 4, reg.Len())
}

func TestDrainServerWaitsForIdle(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.DrainPollInterval = 5 * time.Millisecond
	prov := &fakeProvider{}
	s, reg, _ := newTestScaler(t, cfg, prov)
	ids := addFleet(t, reg, 1)

	require.NoError(t, reg.Admit(ids[0]))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = reg.Release(ids[0])
	}()

	err := s.DrainServer(context.Background(), ids[0])
	require.NoError(t, err)

	_, ok := reg.Get(ids[0])
	assert.False(t, ok, "drained server must leave the registry")
	assert.Equal(t, []string{ids[0]}, prov.removedIDs())
}

func TestDrainServerStopsAdmissionsImmediately(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.DrainPollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	s, reg, _ := newTestScaler(t, cfg, &fakeProvider{})
	ids := addFleet(t, reg, 1)

	require.NoError(t, reg.Admit(ids[0]))

	done := make(chan error, 1)
	go func() { done <- s.DrainServer(context.Background(), ids[0]) }()

	// While the drain waits on the open connection, the instance must
	// already be out of rotation.
	assert.Eventually(t, func() bool {
		srv, ok := reg.Get(ids[0])
		return ok && srv.Draining && !srv.Healthy
	}, 100*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, reg.Release(ids[0]))
	require.NoError(t, <-done)
}

func TestDrainServerTimesOut(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.DrainPollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 25 * time.Millisecond
	prov := &fakeProvider{}
	s, reg, _ := newTestScaler(t, cfg, prov)
	ids := addFleet(t, reg, 1)

	// The connection is never released.
	require.NoError(t, reg.Admit(ids[0]))

	err := s.DrainServer(context.Background(), ids[0])
	require.ErrorIs(t, err, entity.ErrDrainTimeout)

	_, ok := reg.Get(ids[0])
	assert.False(t, ok, "timed-out drain still removes the server")
	assert.Equal(t, []string{ids[0]}, prov.removedIDs())
}

func TestDrainServerUnknownID(t *testing.T) {
	s, _, _ := newTestScaler(t, DefaultScalerConfig(), &fakeProvider{})
	err := s.DrainServer(context.Background(), "nope")
	require.ErrorIs(t, err, entity.ErrServerNotFound)
}

func TestScaleDownDrainsLeastLoaded(t *testing.T) {
	cfg := DefaultScalerConfig()
	cfg.DrainPollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	prov := &fakeProvider{}
	s, reg, _ := newTestScaler(t, cfg, prov)
	ids := addFleet(t, reg, 3)

	for id, conns := range map[string]int{ids[0]: 4, ids[1]: 0, ids[2]: 2} {
		c := conns
		reg.UpdateServerMetrics(id, entity.ServerMetricsUpdate{Connections: &c})
	}

	decision, err := s.ManualScale(context.Background(), 2, "cost review")
	require.NoError(t, err)
	assert.Equal(t, entity.ScaleDown, decision.Action)

	_, ok := reg.Get(ids[1])
	assert.False(t, ok, "the idle instance is the drain victim")
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{ids[1]}, prov.removedIDs())
}

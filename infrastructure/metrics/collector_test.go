package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetroute/fleetroute/domain/entity"
)

type stubSource struct {
	sample entity.MetricSample
	err    error
}

func (s stubSource) Sample(context.Context) (entity.MetricSample, error) {
	return s.sample, s.err
}

func TestCollectOnceAppendsClampedSample(t *testing.T) {
	src := stubSource{sample: entity.MetricSample{CPULoad: 1.5, ActiveConnections: 42}}
	c := NewCollector(DefaultCollectorConfig(), src, nil)

	c.CollectOnce(context.Background())

	latest, ok := c.Window().Latest()
	require.True(t, ok)
	assert.Equal(t, 1.0, latest.CPULoad)
	assert.Equal(t, 42, latest.ActiveConnections)
	assert.False(t, latest.Timestamp.IsZero())
}

func TestCollectOnceFallsBackWhenSourceFails(t *testing.T) {
	good := stubSource{sample: entity.MetricSample{CPULoad: 0.5, ActiveConnections: 30}}
	c := NewCollector(DefaultCollectorConfig(), good, nil)
	c.CollectOnce(context.Background())

	// Source starts failing: the fallback sample zeroes the gauges but
	// keeps connection continuity from the last observation.
	c.source = stubSource{err: errors.New("metrics endpoint down")}
	c.CollectOnce(context.Background())

	require.Equal(t, 2, c.Window().Len())
	latest, _ := c.Window().Latest()
	assert.Zero(t, latest.CPULoad)
	assert.Equal(t, 30, latest.ActiveConnections)
}

func TestCollectorLoopStops(t *testing.T) {
	src := stubSource{sample: entity.MetricSample{CPULoad: 0.1}}
	cfg := DefaultCollectorConfig()
	cfg.Interval = 10 * time.Millisecond
	c := NewCollector(cfg, src, nil)

	c.Start(context.Background())
	time.Sleep(35 * time.Millisecond)
	c.Stop()

	collected := c.Window().Len()
	assert.Greater(t, collected, 0)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, collected, c.Window().Len(), "loop kept collecting after Stop")
}

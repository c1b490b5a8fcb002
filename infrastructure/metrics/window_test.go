package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetroute/fleetroute/domain/entity"
)

func TestWindowClampsSamplesOnAppend(t *testing.T) {
	w := NewWindow(time.Hour, 10)
	w.Append(entity.MetricSample{
		Timestamp:         time.Now(),
		CPULoad:           1.8,
		MemoryUsage:       -0.5,
		ActiveConnections: -3,
		RequestRate:       -1,
		ErrorRate:         2,
	})

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 1.0, latest.CPULoad)
	assert.Equal(t, 0.0, latest.MemoryUsage)
	assert.Equal(t, 0, latest.ActiveConnections)
	assert.Equal(t, 0.0, latest.RequestRate)
	assert.Equal(t, 1.0, latest.ErrorRate)
}

func TestWindowEvictsBeyondRetention(t *testing.T) {
	w := NewWindow(time.Hour, 100)
	now := time.Now()

	w.Append(entity.MetricSample{Timestamp: now.Add(-2 * time.Hour), CPULoad: 0.1})
	w.Append(entity.MetricSample{Timestamp: now.Add(-30 * time.Minute), CPULoad: 0.2})
	w.Append(entity.MetricSample{Timestamp: now, CPULoad: 0.3})

	samples := w.All()
	require.Len(t, samples, 2)
	assert.Equal(t, 0.2, samples[0].CPULoad)
}

func TestWindowEnforcesHardCap(t *testing.T) {
	w := NewWindow(24*time.Hour, 5)
	now := time.Now()
	for i := 0; i < 20; i++ {
		w.Append(entity.MetricSample{Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	assert.Equal(t, 5, w.Len())
}

func TestWindowLatestOnEmpty(t *testing.T) {
	w := NewWindow(time.Hour, 10)
	_, ok := w.Latest()
	assert.False(t, ok)
}

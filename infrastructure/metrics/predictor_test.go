package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetroute/fleetroute/domain/entity"
)

func newTestPredictor(w *Window) *Predictor {
	return NewPredictor(DefaultPredictorConfig(), w, nil)
}

func TestPredictWithNoHistory(t *testing.T) {
	w := NewWindow(24*time.Hour, 100)
	p := newTestPredictor(w)

	pred := p.Predict()
	assert.Equal(t, entity.PredictionBasisNone, pred.Basis)
	assert.Zero(t, pred.Confidence)
}

func TestPredictDegradesToLatestWithThinHistory(t *testing.T) {
	w := NewWindow(24*time.Hour, 100)
	p := newTestPredictor(w)
	now := time.Now()
	p.now = func() time.Time { return now }

	// Two samples far outside the time-of-day cohort margin.
	w.Append(entity.MetricSample{Timestamp: now.Add(-8 * time.Hour), CPULoad: 0.2})
	w.Append(entity.MetricSample{Timestamp: now.Add(-7 * time.Hour), CPULoad: 0.9, MemoryUsage: 0.4, ActiveConnections: 55})

	pred := p.Predict()
	assert.Equal(t, entity.PredictionBasisLatest, pred.Basis)
	assert.Equal(t, 0.9, pred.PredictedCPU)
	assert.Equal(t, 55, pred.PredictedConnections)
	assert.GreaterOrEqual(t, pred.Confidence, 0.1)
	assert.LessOrEqual(t, pred.Confidence, 0.8)
}

func TestPredictAveragesTimeOfDayCohort(t *testing.T) {
	w := NewWindow(5*24*time.Hour, 1000)
	p := newTestPredictor(w)
	now := time.Now()
	p.now = func() time.Time { return now }

	target := now.Add(p.cfg.Horizon)
	// Five prior days at the same time of day as the target.
	for day := 1; day <= 5; day++ {
		w.Append(entity.MetricSample{
			Timestamp:         target.Add(-time.Duration(day) * 24 * time.Hour),
			CPULoad:           0.6,
			MemoryUsage:       0.4,
			ActiveConnections: 100,
		})
	}

	pred := p.Predict()
	require.Equal(t, entity.PredictionBasisCohort, pred.Basis)
	assert.InDelta(t, 0.6, pred.PredictedCPU, 0.001)
	assert.InDelta(t, 0.4, pred.PredictedMemory, 0.001)
	assert.Equal(t, 100, pred.PredictedConnections)
	assert.Equal(t, 5, pred.SampleCount)
}

func TestPredictConfidenceGrowsWithCohortAndCaps(t *testing.T) {
	w := NewWindow(7*24*time.Hour, 10000)
	p := newTestPredictor(w)
	now := time.Now()
	p.now = func() time.Time { return now }

	// Three in-cohort samples per day over six days: 18 cohort members,
	// enough to hit the confidence cap. Span stays under a week so the
	// weekday filter does not engage.
	target := now.Add(p.cfg.Horizon)
	for day := 6; day >= 1; day-- {
		base := target.Add(-time.Duration(day) * 24 * time.Hour)
		for _, offset := range []time.Duration{-20 * time.Minute, 0, 20 * time.Minute} {
			w.Append(entity.MetricSample{Timestamp: base.Add(offset), CPULoad: 0.5})
		}
	}

	pred := p.Predict()
	assert.Equal(t, 0.9, pred.Confidence, "confidence must cap at 0.9")
}

func TestPredictAppliesRecentTrend(t *testing.T) {
	cfg := DefaultPredictorConfig()
	cfg.MinCohortSize = 1
	w := NewWindow(24*time.Hour, 1000)
	p := NewPredictor(cfg, w, nil)
	now := time.Now()
	p.now = func() time.Time { return now }

	// Rising load across the 12 most recent samples: first half at 0.2,
	// second half at 0.4, all within the cohort margin.
	for i := 0; i < 12; i++ {
		load := 0.2
		if i >= 6 {
			load = 0.4
		}
		w.Append(entity.MetricSample{
			Timestamp: now.Add(-time.Duration(12-i) * time.Minute),
			CPULoad:   load,
		})
	}

	pred := p.Predict()
	require.Equal(t, entity.PredictionBasisCohort, pred.Basis)
	// Cohort average 0.3 plus trend delta 0.2.
	assert.InDelta(t, 0.5, pred.PredictedCPU, 0.001)
}

func TestWithinTimeOfDayHandlesMidnightWrap(t *testing.T) {
	a := time.Date(2026, 8, 24, 23, 45, 0, 0, time.UTC)
	b := time.Date(2026, 8, 25, 0, 15, 0, 0, time.UTC)
	assert.True(t, withinTimeOfDay(a, b, time.Hour))
	assert.False(t, withinTimeOfDay(a, b, 10*time.Minute))
}

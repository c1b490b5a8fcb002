package metrics

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// PredictorConfig holds traffic predictor settings.
type PredictorConfig struct {
	// Horizon is how far ahead the forecast targets.
	Horizon time.Duration `mapstructure:"horizon"`

	// CohortMargin is the time-of-day tolerance when selecting historical
	// samples.
	CohortMargin time.Duration `mapstructure:"cohort_margin"`

	// MinCohortSize is the sample count below which the predictor degrades
	// to the latest observation.
	MinCohortSize int `mapstructure:"min_cohort_size"`

	// TrendSamples is how many recent samples feed the short-term trend
	// adjustment.
	TrendSamples int `mapstructure:"trend_samples"`
}

// DefaultPredictorConfig returns the settings used when none are configured.
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		Horizon:       15 * time.Minute,
		CohortMargin:  time.Hour,
		MinCohortSize: 5,
		TrendSamples:  12,
	}
}

// Predictor forecasts near-term demand from the sample window. It selects
// historical samples from a similar time of day (and, once a week of
// history exists, the same weekday), averages them, and applies a
// short-term trend adjustment from the most recent samples.
type Predictor struct {
	cfg    PredictorConfig
	window *Window
	logger *zap.Logger
	now    func() time.Time
}

// NewPredictor creates a predictor over the given window.
func NewPredictor(cfg PredictorConfig, window *Window, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPredictorConfig()
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.CohortMargin <= 0 {
		cfg.CohortMargin = def.CohortMargin
	}
	if cfg.MinCohortSize <= 0 {
		cfg.MinCohortSize = def.MinCohortSize
	}
	if cfg.TrendSamples <= 0 {
		cfg.TrendSamples = def.TrendSamples
	}
	return &Predictor{cfg: cfg, window: window, logger: logger, now: time.Now}
}

// Predict returns the demand forecast for now+horizon.
func (p *Predictor) Predict() entity.Prediction {
	samples := p.window.All()
	target := p.now().Add(p.cfg.Horizon)

	pred := entity.Prediction{
		GeneratedAt: p.now(),
		Basis:       entity.PredictionBasisNone,
	}
	if len(samples) == 0 {
		return pred
	}

	cohort := p.selectCohort(samples, target)
	if len(cohort) < p.cfg.MinCohortSize {
		return p.degraded(samples)
	}

	var cpu, mem, rate float64
	var conns int
	for _, s := range cohort {
		cpu += s.CPULoad
		mem += s.MemoryUsage
		rate += s.RequestRate
		conns += s.ActiveConnections
	}
	n := float64(len(cohort))
	pred.PredictedCPU = cpu / n
	pred.PredictedMemory = mem / n
	pred.PredictedRequestRate = rate / n
	pred.PredictedConnections = int(float64(conns) / n)

	// Short-term trend: delta between the halves of the most recent
	// samples, applied once to the cohort average.
	trendCPU, trendMem, trendConns := p.trend(samples)
	pred.PredictedCPU = clampGauge(pred.PredictedCPU + trendCPU)
	pred.PredictedMemory = clampGauge(pred.PredictedMemory + trendMem)
	pred.PredictedConnections += trendConns
	if pred.PredictedConnections < 0 {
		pred.PredictedConnections = 0
	}

	pred.SampleCount = len(cohort)
	pred.Confidence = math.Min(0.9, 0.3+0.05*float64(len(cohort)))
	pred.Basis = entity.PredictionBasisCohort
	return pred
}

// selectCohort keeps samples whose time of day falls within the margin of
// the target. Once at least a week of history exists, the cohort is further
// restricted to the target's weekday.
func (p *Predictor) selectCohort(samples []entity.MetricSample, target time.Time) []entity.MetricSample {
	sameWeekday := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp) >= 7*24*time.Hour

	var cohort []entity.MetricSample
	for _, s := range samples {
		if !withinTimeOfDay(s.Timestamp, target, p.cfg.CohortMargin) {
			continue
		}
		if sameWeekday && s.Timestamp.Weekday() != target.Weekday() {
			continue
		}
		cohort = append(cohort, s)
	}
	return cohort
}

// trend computes the delta between the second and first half means of the
// most recent samples.
func (p *Predictor) trend(samples []entity.MetricSample) (cpu, mem float64, conns int) {
	n := p.cfg.TrendSamples
	if len(samples) < n {
		return 0, 0, 0
	}
	recent := samples[len(samples)-n:]
	half := n / 2

	var cpuA, cpuB, memA, memB float64
	var connsA, connsB int
	for i, s := range recent {
		if i < half {
			cpuA += s.CPULoad
			memA += s.MemoryUsage
			connsA += s.ActiveConnections
		} else {
			cpuB += s.CPULoad
			memB += s.MemoryUsage
			connsB += s.ActiveConnections
		}
	}
	fa, fb := float64(half), float64(n-half)
	return cpuB/fb - cpuA/fa, memB/fb - memA/fa, int(float64(connsB)/fb - float64(connsA)/fa)
}

// degraded uses the latest observation with confidence scaled by how much
// history exists, bounded to [0.1, 0.8].
func (p *Predictor) degraded(samples []entity.MetricSample) entity.Prediction {
	latest := samples[len(samples)-1]
	confidence := 0.1 + 0.05*float64(len(samples))
	if confidence > 0.8 {
		confidence = 0.8
	}
	return entity.Prediction{
		PredictedCPU:         latest.CPULoad,
		PredictedMemory:      latest.MemoryUsage,
		PredictedConnections: latest.ActiveConnections,
		PredictedRequestRate: latest.RequestRate,
		Confidence:           confidence,
		SampleCount:          len(samples),
		Basis:                entity.PredictionBasisLatest,
		GeneratedAt:          p.now(),
	}
}

// withinTimeOfDay reports whether a and b fall within margin of each other
// by clock time, ignoring the date and handling midnight wraparound.
func withinTimeOfDay(a, b time.Time, margin time.Duration) bool {
	const day = 24 * time.Hour
	secA := time.Duration(a.Hour())*time.Hour + time.Duration(a.Minute())*time.Minute + time.Duration(a.Second())*time.Second
	secB := time.Duration(b.Hour())*time.Hour + time.Duration(b.Minute())*time.Minute + time.Duration(b.Second())*time.Second

	diff := secA - secB
	if diff < 0 {
		diff = -diff
	}
	if day-diff < diff {
		diff = day - diff
	}
	return diff <= margin
}

func clampGauge(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package entity

import "time"

// MetricSample is one observation of aggregate system load, taken on each
// collector cycle. Fields are clamped to valid ranges at ingestion.
type MetricSample struct {
	Timestamp         time.Time `json:"timestamp"`
	CPULoad           float64   `json:"cpu_load"`
	MemoryUsage       float64   `json:"memory_usage"`
	ActiveConnections int       `json:"active_connections"`
	RequestRate       float64   `json:"request_rate"`
	ErrorRate         float64   `json:"error_rate"`
	ResponseTime      float64   `json:"response_time_ms"`
}

// Clamp forces every field into its valid range. Gauges are 0..1, rates and
// counters are non-negative.
func (m *MetricSample) Clamp() {
	m.CPULoad = clamp01(m.CPULoad)
	m.MemoryUsage = clamp01(m.MemoryUsage)
	m.ErrorRate = clamp01(m.ErrorRate)
	if m.ActiveConnections < 0 {
		m.ActiveConnections = 0
	}
	if m.RequestRate < 0 {
		m.RequestRate = 0
	}
	if m.ResponseTime < 0 {
		m.ResponseTime = 0
	}
}

// Prediction is the traffic predictor's forecast for the configured horizon.
type Prediction struct {
	PredictedCPU         float64   `json:"predicted_cpu"`
	PredictedMemory      float64   `json:"predicted_memory"`
	PredictedConnections int       `json:"predicted_connections"`
	PredictedRequestRate float64   `json:"predicted_request_rate"`
	Confidence           float64   `json:"confidence"`
	SampleCount          int       `json:"sample_count"`
	Basis                string    `json:"basis"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// Prediction basis values.
const (
	PredictionBasisCohort = "cohort"
	PredictionBasisLatest = "latest"
	PredictionBasisNone   = "none"
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

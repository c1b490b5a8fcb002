// Package monitoring exposes Prometheus collectors for routing, fleet and
// scaling telemetry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the router and scaler update.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	RouteRetries   prometheus.Counter
	RouteFailures  prometheus.Counter
	FleetSize      prometheus.Gauge
	HealthyServers prometheus.Gauge
	BreakerState   *prometheus.GaugeVec
	ScalingActions *prometheus.CounterVec
	PredictedCPU   prometheus.Gauge
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetroute",
			Name:      "requests_total",
			Help:      "Routed requests by server and outcome.",
		}, []string{"server", "outcome"}),
		RouteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetroute",
			Name:      "route_retries_total",
			Help:      "Routing attempts beyond the first, across all requests.",
		}),
		RouteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetroute",
			Name:      "route_failures_total",
			Help:      "Requests that exhausted all routing attempts.",
		}),
		FleetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetroute",
			Name:      "fleet_size",
			Help:      "Registered backend instances.",
		}),
		HealthyServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetroute",
			Name:      "healthy_servers",
			Help:      "Instances currently eligible for selection.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetroute",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per server (0 closed, 1 half-open, 2 open).",
		}, []string{"server"}),
		ScalingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetroute",
			Name:      "scaling_actions_total",
			Help:      "Executed scaling actions by direction.",
		}, []string{"action"}),
		PredictedCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetroute",
			Name:      "predicted_cpu",
			Help:      "Predictor CPU forecast for the configured horizon.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal, m.RouteRetries, m.RouteFailures,
			m.FleetSize, m.HealthyServers, m.BreakerState,
			m.ScalingActions, m.PredictedCPU,
		)
	}
	return m
}

// BreakerStateValue maps a breaker state string onto the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

package usecase

import (
	"time"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/monitoring"
)

// ServerStats is the per-instance slice of the fleet snapshot.
type ServerStats struct {
	Server       *entity.ServerInstance `json:"server"`
	BreakerState string                 `json:"breaker_state"`
}

// FleetStats is the operator-facing snapshot returned by Stats.
type FleetStats struct {
	Servers        []ServerStats  `json:"servers"`
	TotalServers   int            `json:"total_servers"`
	HealthyServers int            `json:"healthy_servers"`
	TotalRouted    uint64         `json:"total_routed"`
	TotalFailed    uint64         `json:"total_failed"`
	Regions        map[string]int `json:"regions"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Stats assembles the fleet snapshot: per-instance health and load, breaker
// states, aggregate routing counts and region distribution.
func (r *Router) Stats() *FleetStats {
	servers := r.registry.Snapshot()

	stats := &FleetStats{
		Servers:      make([]ServerStats, 0, len(servers)),
		TotalServers: len(servers),
		TotalRouted:  r.successes.Load(),
		TotalFailed:  r.failures.Load(),
		Regions:      make(map[string]int),
		Timestamp:    time.Now(),
	}

	for _, srv := range servers {
		state := "closed"
		if brk, ok := r.registry.Breaker(srv.ID); ok {
			state = brk.State()
		}
		if srv.Available() {
			stats.HealthyServers++
		}
		region := srv.Region
		if region == "" {
			region = "unknown"
		}
		stats.Regions[region]++
		stats.Servers = append(stats.Servers, ServerStats{Server: srv, BreakerState: state})

		if r.metrics != nil {
			r.metrics.BreakerState.WithLabelValues(srv.ID).Set(monitoring.BreakerStateValue(state))
		}
	}

	if r.metrics != nil {
		r.metrics.FleetSize.Set(float64(stats.TotalServers))
		r.metrics.HealthyServers.Set(float64(stats.HealthyServers))
	}
	return stats
}

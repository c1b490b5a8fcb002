package entity

import (
	"time"
)

// ServerInstance represents a backend instance the router can dispatch to.
//
// Counter fields (CurrentLoad, Connections) are owned by the registry and
// only change through its Admit/Release/UpdateServerMetrics paths. The
// Healthy flag is owned by the health checker and circuit breaker
// transitions; the router never writes it.
type ServerInstance struct {
	ID       string `json:"id" msgpack:"id"`
	URL      string `json:"url" msgpack:"url"`
	Region   string `json:"region,omitempty" msgpack:"region"`
	Capacity int    `json:"capacity" msgpack:"capacity"`

	CurrentLoad int  `json:"current_load" msgpack:"current_load"`
	Connections int  `json:"connections" msgpack:"connections"`
	Healthy     bool `json:"healthy" msgpack:"healthy"`
	Draining    bool `json:"draining,omitempty" msgpack:"draining"`

	// ResponseTime is an exponentially-weighted moving average in
	// milliseconds, updated by health probes and request completions.
	ResponseTime float64 `json:"response_time_ms" msgpack:"response_time_ms"`

	CPU    float64 `json:"cpu" msgpack:"cpu"`
	Memory float64 `json:"memory" msgpack:"memory"`

	LastHealthCheck time.Time         `json:"last_health_check" msgpack:"last_health_check"`
	Metadata        map[string]string `json:"metadata,omitempty" msgpack:"metadata"`

	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// ServerSpec describes a server to be registered or provisioned.
type ServerSpec struct {
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url"`
	Region   string            `json:"region,omitempty"`
	Capacity int               `json:"capacity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServerMetricsUpdate carries a partial metrics merge for one server.
// Nil fields are left unchanged.
type ServerMetricsUpdate struct {
	CPU          *float64 `json:"cpu,omitempty"`
	Memory       *float64 `json:"memory,omitempty"`
	Connections  *int     `json:"connections,omitempty"`
	ResponseTime *float64 `json:"response_time_ms,omitempty"`
}

// EffectiveWeight returns the routing weight used by weighted selection.
// A saturated server still gets weight 1 so it is never fully starved.
func (s *ServerInstance) EffectiveWeight() int {
	w := s.Capacity - s.CurrentLoad
	if w < 1 {
		return 1
	}
	return w
}

// Available reports whether the server may receive new work.
func (s *ServerInstance) Available() bool {
	return s.Healthy && !s.Draining
}

// Clone returns a deep copy, safe to hand to strategies and reporting.
func (s *ServerInstance) Clone() *ServerInstance {
	dup := *s
	if s.Metadata != nil {
		dup.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

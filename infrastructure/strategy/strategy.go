// Package strategy implements the server selection algorithms. Strategies
// are pure selectors: they only ever see instances already filtered to
// healthy, and they never mutate them.
package strategy

import (
	"fmt"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Kind identifies one of the closed set of selection algorithms.
type Kind string

const (
	RoundRobin         Kind = "round_robin"
	LeastConnections   Kind = "least_connections"
	WeightedRoundRobin Kind = "weighted_round_robin"
	IPHash             Kind = "ip_hash"
	Geographic         Kind = "geographic"
	FastestResponse    Kind = "fastest_response"
)

// Strategy picks one instance from the healthy set, or nil when the set is
// empty. The router maps nil to ErrNoHealthyServers.
type Strategy interface {
	Kind() Kind
	Pick(healthy []*entity.ServerInstance, req *entity.RequestContext) *entity.ServerInstance
}

// New constructs the strategy for kind. The set of kinds is closed; an
// unknown kind is a configuration error.
func New(kind Kind) (Strategy, error) {
	switch kind {
	case RoundRobin:
		return newRoundRobin(), nil
	case LeastConnections:
		return leastConnections{}, nil
	case WeightedRoundRobin:
		return newWeightedRoundRobin(), nil
	case IPHash:
		return ipHash{}, nil
	case Geographic:
		return geographic{}, nil
	case FastestResponse:
		return fastestResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", kind)
	}
}

// minBy returns the first instance minimizing less(candidate, best).
func minBy(servers []*entity.ServerInstance, less func(a, b *entity.ServerInstance) bool) *entity.ServerInstance {
	if len(servers) == 0 {
		return nil
	}
	best := servers[0]
	for _, s := range servers[1:] {
		if less(s, best) {
			best = s
		}
	}
	return best
}

package strategy

import "github.com/fleetroute/fleetroute/domain/entity"

// leastConnections picks the instance with the fewest active connections.
// Ties go to the first occurrence in iteration order.
type leastConnections struct{}

func (leastConnections) Kind() Kind { return LeastConnections }

func (leastConnections) Pick(healthy []*entity.ServerInstance, _ *entity.RequestContext) *entity.ServerInstance {
	return minBy(healthy, func(a, b *entity.ServerInstance) bool {
		return a.Connections < b.Connections
	})
}

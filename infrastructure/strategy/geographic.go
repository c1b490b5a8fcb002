package strategy

import "github.com/fleetroute/fleetroute/domain/entity"

// geographic prefers least-connections within the request's region, falling
// back to global least-connections when no regional instance is healthy.
type geographic struct{}

func (geographic) Kind() Kind { return Geographic }

func (geographic) Pick(healthy []*entity.ServerInstance, req *entity.RequestContext) *entity.ServerInstance {
	if len(healthy) == 0 {
		return nil
	}

	if req != nil && req.Region != "" {
		var regional []*entity.ServerInstance
		for _, s := range healthy {
			if s.Region == req.Region {
				regional = append(regional, s)
			}
		}
		if len(regional) > 0 {
			healthy = regional
		}
	}

	return minBy(healthy, func(a, b *entity.ServerInstance) bool {
		return a.Connections < b.Connections
	})
}

package strategy

import "github.com/fleetroute/fleetroute/domain/entity"

// fastestResponse picks the instance with the lowest smoothed response
// time. Ties go to the first occurrence in iteration order.
type fastestResponse struct{}

func (fastestResponse) Kind() Kind { return FastestResponse }

func (fastestResponse) Pick(healthy []*entity.ServerInstance, _ *entity.RequestContext) *entity.ServerInstance {
	return minBy(healthy, func(a, b *entity.ServerInstance) bool {
		return a.ResponseTime < b.ResponseTime
	})
}

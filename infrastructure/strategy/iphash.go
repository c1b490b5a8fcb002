package strategy

import (
	"hash/fnv"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// ipHash maps a client IP deterministically onto the healthy set. Affinity
// holds only while the healthy set is unchanged; a membership change
// re-maps clients, which callers needing hard affinity should handle with
// sticky sessions instead.
type ipHash struct{}

func (ipHash) Kind() Kind { return IPHash }

func (ipHash) Pick(healthy []*entity.ServerInstance, req *entity.RequestContext) *entity.ServerInstance {
	if len(healthy) == 0 {
		return nil
	}
	var ip string
	if req != nil {
		ip = req.ClientIP
	}
	h := fnv.New32a()
	h.Write([]byte(ip))
	return healthy[h.Sum32()%uint32(len(healthy))]
}

package strategy

import (
	"sync/atomic"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// roundRobin cycles over the healthy set with a process-local counter. The
// counter advances on every call and wraps modulo the current set size, so
// membership changes simply re-phase the cycle.
type roundRobin struct {
	counter atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{}
}

func (r *roundRobin) Kind() Kind { return RoundRobin }

func (r *roundRobin) Pick(healthy []*entity.ServerInstance, _ *entity.RequestContext) *entity.ServerInstance {
	if len(healthy) == 0 {
		return nil
	}
	idx := (r.counter.Add(1) - 1) % uint64(len(healthy))
	return healthy[idx]
}

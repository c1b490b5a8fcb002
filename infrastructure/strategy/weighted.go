package strategy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// weightedRoundRobin selects by cumulative-weight random draw, where weight
// is the instance's remaining capacity with a floor of 1 so a saturated
// server is never fully starved.
type weightedRoundRobin struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWeightedRoundRobin() *weightedRoundRobin {
	return &weightedRoundRobin{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *weightedRoundRobin) Kind() Kind { return WeightedRoundRobin }

func (w *weightedRoundRobin) Pick(healthy []*entity.ServerInstance, _ *entity.RequestContext) *entity.ServerInstance {
	if len(healthy) == 0 {
		return nil
	}

	total := 0
	for _, s := range healthy {
		total += s.EffectiveWeight()
	}

	w.mu.Lock()
	draw := w.rng.Intn(total)
	w.mu.Unlock()

	for _, s := range healthy {
		draw -= s.EffectiveWeight()
		if draw < 0 {
			return s
		}
	}
	return healthy[len(healthy)-1]
}

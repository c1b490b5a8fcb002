package provision

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// StaticProvider is a provider for fixed fleets (and tests): AddInstance
// fabricates an instance from the spec and RemoveInstance is a no-op. Used
// when no provisioning control plane is configured, so scaling decisions
// remain observable without acting on real infrastructure.
type StaticProvider struct {
	logger *zap.Logger
	adds   atomic.Int64
}

// NewStaticProvider creates a static provider.
func NewStaticProvider(logger *zap.Logger) *StaticProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticProvider{logger: logger}
}

// AddInstance returns an instance built directly from the spec.
func (p *StaticProvider) AddInstance(_ context.Context, spec entity.ServerSpec) (*entity.ServerInstance, error) {
	p.adds.Add(1)
	p.logger.Info("Static provider fabricating instance",
		zap.String("url", spec.URL),
		zap.String("region", spec.Region),
	)
	return &entity.ServerInstance{
		ID:       spec.ID,
		URL:      spec.URL,
		Region:   spec.Region,
		Capacity: spec.Capacity,
		Metadata: spec.Metadata,
		Healthy:  true,
	}, nil
}

// RemoveInstance is a no-op.
func (p *StaticProvider) RemoveInstance(_ context.Context, id string) error {
	p.logger.Info("Static provider releasing instance", zap.String("server_id", id))
	return nil
}

// Package provision abstracts the cloud provisioning collaborator that
// actually creates and destroys backend instances. No concrete cloud API is
// assumed.
package provision

import (
	"context"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Provider adds and removes backend instances. Calls must honor the context
// deadline; failures leave fleet state unchanged and are retried on the
// next scaling cycle.
type Provider interface {
	AddInstance(ctx context.Context, spec entity.ServerSpec) (*entity.ServerInstance, error)
	RemoveInstance(ctx context.Context, id string) error
}

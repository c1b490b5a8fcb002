package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// HTTPConfig holds settings for the HTTP provisioning provider.
type HTTPConfig struct {
	// BaseURL of the provisioning control plane.
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds each provisioning call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPProvider drives an external provisioning control plane over HTTP:
// POST /instances to add, DELETE /instances/{id} to remove.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPProvider creates a provider for the given control plane.
func NewHTTPProvider(cfg HTTPConfig, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// AddInstance asks the control plane for a new backend instance.
func (p *HTTPProvider) AddInstance(ctx context.Context, spec entity.ServerSpec) (*entity.ServerInstance, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, errors.Wrap(err, "encode instance spec")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/instances", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build provisioning request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(entity.ErrProvisioningFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(entity.ErrProvisioningFailure, "add instance: status %d", resp.StatusCode)
	}

	var inst entity.ServerInstance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return nil, errors.Wrap(err, "decode provisioned instance")
	}

	p.logger.Info("Instance provisioned",
		zap.String("server_id", inst.ID),
		zap.String("url", inst.URL),
		zap.String("region", inst.Region),
	)
	return &inst, nil
}

// RemoveInstance asks the control plane to destroy an instance.
func (p *HTTPProvider) RemoveInstance(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/instances/%s", p.cfg.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.Wrap(err, "build deprovisioning request")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(entity.ErrProvisioningFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return errors.Wrapf(entity.ErrProvisioningFailure, "remove instance %s: status %d", id, resp.StatusCode)
	}

	p.logger.Info("Instance deprovisioned", zap.String("server_id", id))
	return nil
}

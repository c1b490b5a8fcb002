// Package health runs the background probe loop that keeps registry health
// flags current. Probe failures are recovered locally by marking the
// instance unhealthy; they are never surfaced to routing callers.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/infrastructure/events"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
)

// Config holds health checker settings.
type Config struct {
	// Interval between probe cycles.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds each individual probe.
	Timeout time.Duration `mapstructure:"timeout"`

	// Path is appended to each server URL to form the probe endpoint.
	Path string `mapstructure:"path"`

	// MaxConcurrent bounds how many probes run at once per cycle.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Timeout:       5 * time.Second,
		Path:          "/health",
		MaxConcurrent: 16,
	}
}

// Checker probes each registered instance on a fixed interval, independent
// of request traffic.
type Checker struct {
	cfg       Config
	registry  *registry.Registry
	client    *http.Client
	publisher *events.Publisher
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a checker. It does not start probing until Start is called.
// publisher may be nil.
func New(cfg Config, reg *registry.Registry, publisher *events.Publisher, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Checker{
		cfg:       cfg,
		registry:  reg,
		client:    &http.Client{Timeout: cfg.Timeout},
		publisher: publisher,
		logger:    logger,
	}
}

// Start launches the probe loop. The loop stops when Stop is called or the
// parent context is cancelled.
func (c *Checker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckAll(ctx)
			}
		}
	}()

	c.logger.Info("Health checker started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("timeout", c.cfg.Timeout),
	)
}

// Stop terminates the loop and waits for the in-flight cycle to finish.
func (c *Checker) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.logger.Info("Health checker stopped")
	})
}

// CheckAll probes every registered instance once, bounded concurrency.
func (c *Checker) CheckAll(ctx context.Context) {
	servers := c.registry.Snapshot()
	if len(servers) == 0 {
		return
	}

	sem := make(chan struct{}, c.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(id, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			c.probe(ctx, id, url)
		}(srv.ID, srv.URL)
	}
	wg.Wait()
}

// probe issues one bounded health request and writes the outcome into the
// registry. Any non-2xx outcome, error or timeout marks the instance
// unhealthy via the same path.
func (c *Checker) probe(ctx context.Context, id, baseURL string) {
	url := strings.TrimRight(baseURL, "/") + c.cfg.Path

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warn("Health probe request build failed",
			zap.String("server_id", id), zap.Error(err))
		c.setHealth(ctx, id, false, -1)
		return
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		c.logger.Warn("Health probe failed",
			zap.String("server_id", id),
			zap.String("url", url),
			zap.Error(err),
		)
		c.setHealth(ctx, id, false, -1)
		return
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !healthy {
		c.logger.Warn("Health probe returned non-success status",
			zap.String("server_id", id),
			zap.Int("status", resp.StatusCode),
		)
	}
	c.setHealth(ctx, id, healthy, elapsed)
}

// setHealth writes the probe outcome and publishes flips to the event feed.
func (c *Checker) setHealth(ctx context.Context, id string, healthy bool, elapsed float64) {
	if flipped := c.registry.SetHealth(id, healthy, elapsed); flipped {
		c.publisher.PublishHealth(ctx, id, healthy)
	}
}

// Package metrics maintains the bounded load-sample history and the traffic
// predictor that forecasts near-term demand from it.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// CollectorConfig holds collector settings.
type CollectorConfig struct {
	// Interval between polls of the metrics source.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds each poll.
	Timeout time.Duration `mapstructure:"timeout"`

	// Retention and MaxSamples bound the sample window.
	Retention  time.Duration `mapstructure:"retention"`
	MaxSamples int           `mapstructure:"max_samples"`
}

// DefaultCollectorConfig returns the settings used when none are configured.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Interval:   30 * time.Second,
		Timeout:    5 * time.Second,
		Retention:  24 * time.Hour,
		MaxSamples: 2880,
	}
}

// Collector appends one sample per interval from the configured source. If
// the source fails or times out, a safe default sample is recorded instead
// so the window never starves.
type Collector struct {
	cfg    CollectorConfig
	source Source
	window *Window
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewCollector creates a collector over the given source.
func NewCollector(cfg CollectorConfig, source Source, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCollectorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	return &Collector{
		cfg:    cfg,
		source: source,
		window: NewWindow(cfg.Retention, cfg.MaxSamples),
		logger: logger,
	}
}

// Window exposes the sample history for the predictor and scaler.
func (c *Collector) Window() *Window {
	return c.window
}

// Start launches the polling loop.
func (c *Collector) Start(parent context.Context) {
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
				c.CollectOnce(ctx)
			}
		}
	}()

	c.logger.Info("Metrics collector started", zap.Duration("interval", c.cfg.Interval))
}

// Stop terminates the loop and waits for it to exit.
func (c *Collector) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.logger.Info("Metrics collector stopped")
	})
}

// CollectOnce polls the source and appends the observation, falling back to
// a default sample on failure.
func (c *Collector) CollectOnce(ctx context.Context) entity.MetricSample {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	sample, err := c.source.Sample(pollCtx)
	if err != nil {
		c.logger.Warn("Metrics source unavailable, recording fallback sample", zap.Error(err))
		sample = c.fallbackSample()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	c.window.Append(sample)
	return sample
}

// fallbackSample keeps connection continuity from the last observation but
// zeroes the gauges, biasing the scaler toward inaction rather than churn.
func (c *Collector) fallbackSample() entity.MetricSample {
	sample := entity.MetricSample{Timestamp: time.Now()}
	if last, ok := c.window.Latest(); ok {
		sample.ActiveConnections = last.ActiveConnections
	}
	return sample
}

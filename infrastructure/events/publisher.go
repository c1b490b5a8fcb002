// Package events publishes scaling and health-transition events to Kafka
// for downstream consumers. The publisher is optional; a nil *Publisher is
// safe to call and does nothing.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Config holds event publisher settings.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	ScalingTopic string   `mapstructure:"scaling_topic"`
	HealthTopic  string   `mapstructure:"health_topic"`

	// WriteTimeout bounds each publish.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ScalingTopic: "fleetroute.scaling",
		HealthTopic:  "fleetroute.health",
		WriteTimeout: 5 * time.Second,
	}
}

// Publisher writes fleet events to Kafka. Publish failures are logged and
// dropped; event delivery is best-effort and never blocks routing or
// scaling paths beyond the write timeout.
type Publisher struct {
	cfg     Config
	scaling *kafka.Writer
	health  *kafka.Writer
	logger  *zap.Logger
}

// HealthEvent is the payload published on a health flip.
type HealthEvent struct {
	ServerID  string    `json:"server_id"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a publisher, or nil when disabled.
func New(cfg Config, logger *zap.Logger) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ScalingTopic == "" {
		cfg.ScalingTopic = def.ScalingTopic
	}
	if cfg.HealthTopic == "" {
		cfg.HealthTopic = def.HealthTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: cfg.WriteTimeout,
			Async:        true,
		}
	}

	return &Publisher{
		cfg:     cfg,
		scaling: newWriter(cfg.ScalingTopic),
		health:  newWriter(cfg.HealthTopic),
		logger:  logger,
	}
}

// PublishScaling emits a scaling decision that was acted on.
func (p *Publisher) PublishScaling(ctx context.Context, decision *entity.ScalingDecision) {
	if p == nil {
		return
	}
	p.publish(ctx, p.scaling, decision.Timestamp.Format(time.RFC3339), decision)
}

// PublishHealth emits a health flip.
func (p *Publisher) PublishHealth(ctx context.Context, serverID string, healthy bool) {
	if p == nil {
		return
	}
	p.publish(ctx, p.health, serverID, HealthEvent{
		ServerID:  serverID,
		Healthy:   healthy,
		Timestamp: time.Now(),
	})
}

// Close flushes and closes the writers.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.scaling.Close(); err != nil {
		return err
	}
	return p.health.Close()
}

func (p *Publisher) publish(ctx context.Context, w *kafka.Writer, key string, payload interface{}) {
	value, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to encode fleet event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		p.logger.Warn("Failed to publish fleet event",
			zap.String("topic", w.Topic), zap.Error(err))
	}
}

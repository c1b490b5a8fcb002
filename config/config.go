// Package config loads service configuration from file and environment via
// viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/fleetroute/fleetroute/infrastructure/breaker"
	"github.com/fleetroute/fleetroute/infrastructure/events"
	"github.com/fleetroute/fleetroute/infrastructure/health"
	"github.com/fleetroute/fleetroute/infrastructure/metrics"
	"github.com/fleetroute/fleetroute/infrastructure/middleware"
	"github.com/fleetroute/fleetroute/infrastructure/provision"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
	"github.com/fleetroute/fleetroute/infrastructure/store"
	"github.com/fleetroute/fleetroute/infrastructure/strategy"
	"github.com/fleetroute/fleetroute/usecase"
)

// Config is the full service configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`

	Redis    store.RedisConfig `mapstructure:"redis"`
	UseRedis bool              `mapstructure:"use_redis"`

	Registry    registry.Config         `mapstructure:"registry"`
	Balancer    BalancerConfig          `mapstructure:"balancer"`
	Router      usecase.RouterConfig    `mapstructure:"router"`
	HealthCheck health.Config           `mapstructure:"health_check"`
	Collector   metrics.CollectorConfig `mapstructure:"collector"`
	Predictor   metrics.PredictorConfig `mapstructure:"predictor"`
	Scaling     usecase.ScalerConfig    `mapstructure:"scaling"`

	MetricsSourceURL string               `mapstructure:"metrics_source_url"`
	Provisioner      provision.HTTPConfig `mapstructure:"provisioner"`
	Events           events.Config        `mapstructure:"events"`

	RateLimit middleware.RateLimitConfig `mapstructure:"rate_limit"`
	Auth      middleware.AuthConfig      `mapstructure:"auth"`
}

// ServiceConfig contains general service settings.
type ServiceConfig struct {
	Name            string        `mapstructure:"name"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig contains the operator API server settings.
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig contains log settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from fleetroute.yaml (working directory or
// /etc/fleetroute) with FLEETROUTE_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("fleetroute")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetroute")

	v.SetEnvPrefix("FLEETROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BalancerConfig selects the routing strategy.
type BalancerConfig struct {
	Strategy strategy.Kind `mapstructure:"strategy"`
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.Errorf("invalid http port %d", c.HTTP.Port)
	}
	if _, err := strategy.New(c.Balancer.Strategy); err != nil {
		return err
	}
	if c.Scaling.MinInstances > c.Scaling.MaxInstances && c.Scaling.MaxInstances != 0 {
		return errors.Errorf("scaling min_instances %d exceeds max_instances %d",
			c.Scaling.MinInstances, c.Scaling.MaxInstances)
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errors.New("auth enabled but no secret configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "fleetroute")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.shutdown_timeout", 15*time.Second)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("use_redis", false)
	rc := store.DefaultRedisConfig()
	v.SetDefault("redis.host", rc.Host)
	v.SetDefault("redis.port", rc.Port)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.min_idle_conns", rc.MinIdleConns)
	v.SetDefault("redis.max_retries", rc.MaxRetries)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)

	reg := registry.DefaultConfig()
	v.SetDefault("registry.mirror_ttl", reg.MirrorTTL)
	v.SetDefault("registry.mirror_timeout", reg.MirrorTimeout)

	brk := breaker.DefaultConfig()
	v.SetDefault("registry.breaker.failure_threshold", brk.FailureThreshold)
	v.SetDefault("registry.breaker.open_timeout", brk.OpenTimeout)

	v.SetDefault("balancer.strategy", string(strategy.RoundRobin))

	rt := usecase.DefaultRouterConfig()
	v.SetDefault("router.max_retries", rt.MaxRetries)
	v.SetDefault("router.session_affinity", rt.SessionAffinity)
	v.SetDefault("router.session_ttl", rt.SessionTTL)
	v.SetDefault("router.store_timeout", rt.StoreTimeout)

	hc := health.DefaultConfig()
	v.SetDefault("health_check.interval", hc.Interval)
	v.SetDefault("health_check.timeout", hc.Timeout)
	v.SetDefault("health_check.path", hc.Path)
	v.SetDefault("health_check.max_concurrent", hc.MaxConcurrent)

	col := metrics.DefaultCollectorConfig()
	v.SetDefault("collector.interval", col.Interval)
	v.SetDefault("collector.timeout", col.Timeout)
	v.SetDefault("collector.retention", col.Retention)
	v.SetDefault("collector.max_samples", col.MaxSamples)

	pred := metrics.DefaultPredictorConfig()
	v.SetDefault("predictor.horizon", pred.Horizon)
	v.SetDefault("predictor.cohort_margin", pred.CohortMargin)
	v.SetDefault("predictor.min_cohort_size", pred.MinCohortSize)
	v.SetDefault("predictor.trend_samples", pred.TrendSamples)

	sc := usecase.DefaultScalerConfig()
	v.SetDefault("scaling.min_instances", sc.MinInstances)
	v.SetDefault("scaling.max_instances", sc.MaxInstances)
	v.SetDefault("scaling.target_cpu_utilization", sc.TargetCPUUtilization)
	v.SetDefault("scaling.target_memory_utilization", sc.TargetMemoryUtilization)
	v.SetDefault("scaling.scale_up_cooldown", sc.ScaleUpCooldown)
	v.SetDefault("scaling.scale_down_cooldown", sc.ScaleDownCooldown)
	v.SetDefault("scaling.evaluate_interval", sc.EvaluateInterval)
	v.SetDefault("scaling.drain_timeout", sc.DrainTimeout)
	v.SetDefault("scaling.drain_poll_interval", sc.DrainPollInterval)
	v.SetDefault("scaling.provision_timeout", sc.ProvisionTimeout)

	v.SetDefault("metrics_source_url", "")
	v.SetDefault("provisioner.base_url", "")
	v.SetDefault("provisioner.timeout", 30*time.Second)

	ev := events.DefaultConfig()
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.scaling_topic", ev.ScalingTopic)
	v.SetDefault("events.health_topic", ev.HealthTopic)
	v.SetDefault("events.write_timeout", ev.WriteTimeout)

	rl := middleware.DefaultRateLimitConfig()
	v.SetDefault("rate_limit.enabled", rl.Enabled)
	v.SetDefault("rate_limit.requests_per_second", rl.RequestsPerSecond)
	v.SetDefault("rate_limit.burst_size", rl.BurstSize)
	v.SetDefault("rate_limit.cleanup_interval", rl.CleanupInterval)

	v.SetDefault("auth.enabled", false)
}

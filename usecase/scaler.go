package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/events"
	"github.com/fleetroute/fleetroute/infrastructure/metrics"
	"github.com/fleetroute/fleetroute/infrastructure/monitoring"
	"github.com/fleetroute/fleetroute/infrastructure/provision"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
)

// ScalerConfig holds fleet scaler settings.
type ScalerConfig struct {
	MinInstances int `mapstructure:"min_instances"`
	MaxInstances int `mapstructure:"max_instances"`

	// Target utilizations the fleet is sized against.
	TargetCPUUtilization    float64 `mapstructure:"target_cpu_utilization"`
	TargetMemoryUtilization float64 `mapstructure:"target_memory_utilization"`

	// Cooldowns are enforced per direction to prevent oscillation.
	ScaleUpCooldown   time.Duration `mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `mapstructure:"scale_down_cooldown"`

	// EvaluateInterval drives the background evaluation loop.
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`

	// DrainTimeout bounds how long a drain waits for connections to reach
	// zero before removal proceeds anyway.
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	DrainPollInterval time.Duration `mapstructure:"drain_poll_interval"`

	// ProvisionTimeout bounds each provisioning call.
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`

	// InstanceTemplate is the spec handed to the provisioning provider for
	// new instances.
	InstanceTemplate entity.ServerSpec `mapstructure:"instance_template"`
}

// DefaultScalerConfig returns the settings used when none are configured.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		MinInstances:            1,
		MaxInstances:            10,
		TargetCPUUtilization:    0.7,
		TargetMemoryUtilization: 0.8,
		ScaleUpCooldown:         3 * time.Minute,
		ScaleDownCooldown:       5 * time.Minute,
		EvaluateInterval:        30 * time.Second,
		DrainTimeout:            30 * time.Second,
		DrainPollInterval:       250 * time.Millisecond,
		ProvisionTimeout:        30 * time.Second,
	}
}

// Scaler sizes the fleet from current and predicted load. Evaluation and
// execution are single-flight: a new evaluation while one is in flight is a
// no-op, not queued.
type Scaler struct {
	cfg       ScalerConfig
	registry  *registry.Registry
	window    *metrics.Window
	predictor *metrics.Predictor
	provider  provision.Provider
	publisher *events.Publisher
	metrics   *monitoring.Metrics
	logger    *zap.Logger

	inFlight atomic.Bool

	mu            sync.Mutex
	lastScaleUp   time.Time
	lastScaleDown time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	now func() time.Time
}

// NewScaler creates a scaler.
func NewScaler(
	cfg ScalerConfig,
	reg *registry.Registry,
	window *metrics.Window,
	predictor *metrics.Predictor,
	provider provision.Provider,
	publisher *events.Publisher,
	mon *monitoring.Metrics,
	logger *zap.Logger,
) *Scaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultScalerConfig()
	if cfg.MinInstances <= 0 {
		cfg.MinInstances = def.MinInstances
	}
	if cfg.MaxInstances < cfg.MinInstances {
		cfg.MaxInstances = def.MaxInstances
	}
	if cfg.TargetCPUUtilization <= 0 || cfg.TargetCPUUtilization > 1 {
		cfg.TargetCPUUtilization = def.TargetCPUUtilization
	}
	if cfg.TargetMemoryUtilization <= 0 || cfg.TargetMemoryUtilization > 1 {
		cfg.TargetMemoryUtilization = def.TargetMemoryUtilization
	}
	if cfg.ScaleUpCooldown <= 0 {
		cfg.ScaleUpCooldown = def.ScaleUpCooldown
	}
	if cfg.ScaleDownCooldown <= 0 {
		cfg.ScaleDownCooldown = def.ScaleDownCooldown
	}
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = def.EvaluateInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = def.DrainPollInterval
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = def.ProvisionTimeout
	}
	return &Scaler{
		cfg:       cfg,
		registry:  reg,
		window:    window,
		predictor: predictor,
		provider:  provider,
		publisher: publisher,
		metrics:   mon,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the periodic evaluation loop.
func (s *Scaler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.EvaluateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Evaluate(ctx); err != nil && err != entity.ErrScalingInProgress {
					s.logger.Warn("Scaling evaluation failed", zap.Error(err))
				}
			}
		}
	}()

	s.logger.Info("Fleet scaler started", zap.Duration("interval", s.cfg.EvaluateInterval))
}

// Stop terminates the loop and waits for it to exit.
func (s *Scaler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.logger.Info("Fleet scaler stopped")
	})
}

// ShouldScale computes the scaling recommendation without executing it.
func (s *Scaler) ShouldScale() *entity.ScalingDecision {
	return s.computeDecision()
}

// Evaluate computes the scaling decision and, when actionable, executes it.
// Returns ErrScalingInProgress if another evaluation is in flight.
func (s *Scaler) Evaluate(ctx context.Context) (*entity.ScalingDecision, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, entity.ErrScalingInProgress
	}
	defer s.inFlight.Store(false)

	decision := s.computeDecision()
	if decision.Action == entity.ScaleNone {
		return decision, nil
	}

	s.execute(ctx, decision, "auto")
	return decision, nil
}

// ManualScale sets the fleet to target, bypassing cooldowns but still
// clamped to the configured bounds. The trigger source is always logged.
func (s *Scaler) ManualScale(ctx context.Context, target int, reason string) (*entity.ScalingDecision, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, entity.ErrScalingInProgress
	}
	defer s.inFlight.Store(false)

	clamped := s.clamp(target)
	current := s.registry.Len()

	decision := &entity.ScalingDecision{
		CurrentInstances: current,
		OptimalInstances: clamped,
		Action:           entity.ScaleNone,
		Reason:           fmt.Sprintf("manual: %s", reason),
		Timestamp:        s.now(),
	}
	switch {
	case clamped > current:
		decision.Action = entity.ScaleUp
	case clamped < current:
		decision.Action = entity.ScaleDown
	}

	s.logger.Info("Manual scaling requested",
		zap.Int("target", target),
		zap.Int("clamped", clamped),
		zap.Int("current", current),
		zap.String("reason", reason),
		zap.String("trigger", "manual"),
	)

	if decision.Action != entity.ScaleNone {
		s.execute(ctx, decision, "manual")
	}
	return decision, nil
}

// computeDecision sizes the fleet from the latest observation and the
// prediction, then applies bounds and per-direction cooldowns.
func (s *Scaler) computeDecision() *entity.ScalingDecision {
	now := s.now()
	current := s.registry.Len()

	decision := &entity.ScalingDecision{
		CurrentInstances: current,
		OptimalInstances: current,
		Action:           entity.ScaleNone,
		Timestamp:        now,
	}

	latest, ok := s.window.Latest()
	if !ok {
		decision.Reason = "no metrics history"
		return decision
	}

	pred := s.predictor.Predict()
	decision.Confidence = pred.Confidence
	decision.PredictionUsed = pred.Basis == entity.PredictionBasisCohort
	if s.metrics != nil {
		s.metrics.PredictedCPU.Set(pred.PredictedCPU)
	}

	cpuInstances := int(math.Ceil(math.Max(latest.CPULoad, pred.PredictedCPU) / s.cfg.TargetCPUUtilization))
	memInstances := int(math.Ceil(math.Max(latest.MemoryUsage, pred.PredictedMemory) / s.cfg.TargetMemoryUtilization))
	base := cpuInstances
	if memInstances > base {
		base = memInstances
	}
	if base < 1 {
		base = 1
	}

	factor := math.Max(1, math.Max(
		float64(pred.PredictedConnections)/100,
		latest.RequestRate/50,
	))
	optimal := s.clamp(int(math.Ceil(float64(base) * factor)))
	decision.OptimalInstances = optimal

	switch {
	case optimal == current:
		decision.Reason = "fleet size optimal"
	case optimal > current:
		if remaining := s.cooldownRemaining(s.lastScaleUpTime(), s.cfg.ScaleUpCooldown, now); remaining > 0 {
			decision.CooldownRemaining = remaining
			decision.Reason = "scale-up cooldown active"
			return decision
		}
		decision.Action = entity.ScaleUp
		decision.Reason = fmt.Sprintf("load requires %d instances (cpu=%d mem=%d factor=%.2f)",
			optimal, cpuInstances, memInstances, factor)
	default:
		if remaining := s.cooldownRemaining(s.lastScaleDownTime(), s.cfg.ScaleDownCooldown, now); remaining > 0 {
			decision.CooldownRemaining = remaining
			decision.Reason = "scale-down cooldown active"
			return decision
		}
		decision.Action = entity.ScaleDown
		decision.Reason = fmt.Sprintf("load satisfied by %d instances", optimal)
	}
	return decision
}

// execute applies an approved decision through the provisioning provider.
// Provisioning failures leave fleet state unchanged and are retried on the
// next cycle; cooldown stamps are only taken when at least one instance
// actually changed.
func (s *Scaler) execute(ctx context.Context, decision *entity.ScalingDecision, trigger string) {
	delta := decision.Delta()

	s.logger.Info("Executing scaling action",
		zap.String("action", string(decision.Action)),
		zap.Int("current", decision.CurrentInstances),
		zap.Int("target", decision.OptimalInstances),
		zap.String("reason", decision.Reason),
		zap.String("trigger", trigger),
	)

	var changed int
	if delta > 0 {
		changed = s.scaleUp(ctx, delta)
		if changed > 0 {
			s.stampScaleUp()
		}
	} else {
		changed = s.scaleDown(ctx, -delta)
		if changed > 0 {
			s.stampScaleDown()
		}
	}

	if changed > 0 {
		if s.metrics != nil {
			s.metrics.ScalingActions.WithLabelValues(string(decision.Action)).Inc()
			s.metrics.FleetSize.Set(float64(s.registry.Len()))
		}
		s.publisher.PublishScaling(ctx, decision)
	}
}

// scaleUp provisions count new instances, registering each as it appears.
func (s *Scaler) scaleUp(ctx context.Context, count int) int {
	added := 0
	for i := 0; i < count; i++ {
		provCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		inst, err := s.provider.AddInstance(provCtx, s.cfg.InstanceTemplate)
		cancel()
		if err != nil {
			s.logger.Error("Provisioning failed, fleet left unchanged",
				zap.Int("requested", count),
				zap.Int("added", added),
				zap.Error(err),
			)
			break
		}

		spec := entity.ServerSpec{
			ID:       inst.ID,
			URL:      inst.URL,
			Region:   inst.Region,
			Capacity: inst.Capacity,
			Metadata: inst.Metadata,
		}
		if spec.Capacity == 0 {
			spec.Capacity = s.cfg.InstanceTemplate.Capacity
		}
		if _, err := s.registry.AddServer(spec); err != nil {
			s.logger.Error("Failed to register provisioned instance",
				zap.String("server_id", inst.ID), zap.Error(err))
			continue
		}
		added++
	}
	return added
}

// scaleDown gracefully drains the least-loaded healthy instances.
func (s *Scaler) scaleDown(ctx context.Context, count int) int {
	victims := s.pickVictims(count)
	removed := 0
	for _, id := range victims {
		if err := s.DrainServer(ctx, id); err != nil && err != entity.ErrDrainTimeout {
			s.logger.Error("Failed to drain instance during scale-down",
				zap.String("server_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// pickVictims returns the ids of the count least-loaded instances.
func (s *Scaler) pickVictims(count int) []string {
	servers := s.registry.Snapshot()
	// Simple selection sort; fleets are small.
	for i := 0; i < len(servers); i++ {
		min := i
		for j := i + 1; j < len(servers); j++ {
			if servers[j].Connections < servers[min].Connections {
				min = j
			}
		}
		servers[i], servers[min] = servers[min], servers[i]
	}
	if count > len(servers) {
		count = len(servers)
	}
	ids := make([]string, 0, count)
	for _, srv := range servers[:count] {
		ids = append(ids, srv.ID)
	}
	return ids
}

// DrainServer gracefully removes one instance: it stops admissions
// immediately, waits until active connections reach zero or the drain
// timeout elapses, then removes the instance from the registry and the
// provisioning provider. Returns ErrDrainTimeout when removal proceeded
// with connections still active.
func (s *Scaler) DrainServer(ctx context.Context, id string) error {
	if err := s.registry.SetDraining(id, true); err != nil {
		return err
	}
	s.registry.SetHealth(id, false, -1)

	s.logger.Info("Draining server",
		zap.String("server_id", id),
		zap.Duration("timeout", s.cfg.DrainTimeout),
	)

	timedOut := !s.awaitIdle(ctx, id)

	if err := s.registry.RemoveServer(id); err != nil && err != entity.ErrServerNotFound {
		return err
	}

	remCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()
	if err := s.provider.RemoveInstance(remCtx, id); err != nil {
		s.logger.Error("Deprovisioning failed after drain",
			zap.String("server_id", id), zap.Error(err))
	}

	if timedOut {
		s.logger.Warn("Drain timed out, removed with connections still active",
			zap.String("server_id", id))
		return entity.ErrDrainTimeout
	}
	s.logger.Info("Drain complete", zap.String("server_id", id))
	return nil
}

// awaitIdle polls the instance's connection count until zero, timeout or
// cancellation. Returns true when the instance went idle.
func (s *Scaler) awaitIdle(ctx context.Context, id string) bool {
	deadline := s.now().Add(s.cfg.DrainTimeout)
	ticker := time.NewTicker(s.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		srv, ok := s.registry.Get(id)
		if !ok {
			return true
		}
		if srv.Connections == 0 {
			return true
		}
		if !s.now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (s *Scaler) clamp(n int) int {
	if n < s.cfg.MinInstances {
		return s.cfg.MinInstances
	}
	if n > s.cfg.MaxInstances {
		return s.cfg.MaxInstances
	}
	return n
}

func (s *Scaler) cooldownRemaining(last time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	remaining := cooldown - now.Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Scaler) lastScaleUpTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScaleUp
}

func (s *Scaler) lastScaleDownTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScaleDown
}

func (s *Scaler) stampScaleUp() {
	s.mu.Lock()
	s.lastScaleUp = s.now()
	s.mu.Unlock()
}

func (s *Scaler) stampScaleDown() {
	s.mu.Lock()
	s.lastScaleDown = s.now()
	s.mu.Unlock()
}

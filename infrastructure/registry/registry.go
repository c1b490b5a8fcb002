// Package registry owns the set of known backend instances, their live
// counters and health, and the circuit breaker paired with each instance.
//
// The registry mutex only guards map membership. Each entry carries its own
// lock so the hot admit/release path never contends on a registry-wide lock.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/breaker"
	"github.com/fleetroute/fleetroute/infrastructure/store"
)

const mirrorKeyPrefix = "fleetroute:server:"

// Config holds registry settings.
type Config struct {
	// MirrorTTL bounds how long a mirrored entry survives without refresh,
	// so entries from dead router processes age out.
	MirrorTTL time.Duration `mapstructure:"mirror_ttl"`

	// MirrorTimeout bounds each write to the shared store.
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`

	Breaker breaker.Config `mapstructure:"breaker"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MirrorTTL:     5 * time.Minute,
		MirrorTimeout: 2 * time.Second,
		Breaker:       breaker.DefaultConfig(),
	}
}

type serverEntry struct {
	mu       sync.Mutex
	instance *entity.ServerInstance
	breaker  *breaker.Breaker
}

// Registry is the authoritative in-process view of the fleet.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry

	cfg    Config
	store  store.Store
	logger *zap.Logger
}

// New creates an empty registry. The store may be nil, in which case
// mirroring is disabled.
func New(cfg Config, kv store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MirrorTTL == 0 {
		cfg.MirrorTTL = DefaultConfig().MirrorTTL
	}
	if cfg.MirrorTimeout == 0 {
		cfg.MirrorTimeout = DefaultConfig().MirrorTimeout
	}
	return &Registry{
		servers: make(map[string]*serverEntry),
		cfg:     cfg,
		store:   kv,
		logger:  logger,
	}
}

// AddServer registers a new instance with healthy=true, zeroed counters and
// a paired circuit breaker. A missing id is generated.
func (r *Registry) AddServer(spec entity.ServerSpec) (*entity.ServerInstance, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	inst := &entity.ServerInstance{
		ID:              id,
		URL:             spec.URL,
		Region:          spec.Region,
		Capacity:        spec.Capacity,
		Healthy:         true,
		LastHealthCheck: now,
		Metadata:        spec.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := &serverEntry{
		instance: inst,
		breaker:  breaker.New(id, r.cfg.Breaker, r.logger),
	}

	r.mu.Lock()
	if _, exists := r.servers[id]; exists {
		r.mu.Unlock()
		return nil, errDuplicate(id)
	}
	r.servers[id] = entry
	r.mu.Unlock()

	r.logger.Info("Server added",
		zap.String("server_id", id),
		zap.String("url", spec.URL),
		zap.String("region", spec.Region),
		zap.Int("capacity", spec.Capacity),
	)
	r.mirror(inst)
	return inst.Clone(), nil
}

// RemoveServer deletes the instance and its breaker in one step.
func (r *Registry) RemoveServer(id string) error {
	r.mu.Lock()
	_, ok := r.servers[id]
	if ok {
		delete(r.servers, id)
	}
	r.mu.Unlock()

	if !ok {
		return entity.ErrServerNotFound
	}

	r.logger.Info("Server removed", zap.String("server_id", id))
	r.unmirror(id)
	return nil
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(id string) (*entity.ServerInstance, bool) {
	entry, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.instance.Clone(), true
}

// Breaker returns the circuit breaker paired with the instance.
func (r *Registry) Breaker(id string) (*breaker.Breaker, bool) {
	entry, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	return entry.breaker, true
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Snapshot returns deep copies of all instances.
func (r *Registry) Snapshot() []*entity.ServerInstance {
	entries := r.entries()
	out := make([]*entity.ServerInstance, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.instance.Clone())
		entry.mu.Unlock()
	}
	return out
}

// HealthySnapshot returns deep copies of instances that may receive work:
// healthy, not draining, and not isolated by an open breaker.
func (r *Registry) HealthySnapshot() []*entity.ServerInstance {
	entries := r.entries()
	out := make([]*entity.ServerInstance, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		ok := entry.instance.Available()
		inst := entry.instance.Clone()
		entry.mu.Unlock()
		if ok && entry.breaker.Available() {
			out = append(out, inst)
		}
	}
	return out
}

// Admit records one admitted request on the instance.
func (r *Registry) Admit(id string) error {
	entry, ok := r.entry(id)
	if !ok {
		return entity.ErrServerNotFound
	}
	entry.mu.Lock()
	entry.instance.CurrentLoad++
	entry.instance.Connections++
	entry.instance.UpdatedAt = time.Now()
	entry.mu.Unlock()
	return nil
}

// Release records completion of one request. Counters never go negative.
func (r *Registry) Release(id string) error {
	entry, ok := r.entry(id)
	if !ok {
		return entity.ErrServerNotFound
	}
	entry.mu.Lock()
	if entry.instance.CurrentLoad > 0 {
		entry.instance.CurrentLoad--
	}
	if entry.instance.Connections > 0 {
		entry.instance.Connections--
	}
	entry.instance.UpdatedAt = time.Now()
	entry.mu.Unlock()
	return nil
}

// UpdateServerMetrics merges a partial metrics update. Unknown ids are a
// no-op so stale callbacks from removed servers stay harmless.
func (r *Registry) UpdateServerMetrics(id string, update entity.ServerMetricsUpdate) {
	entry, ok := r.entry(id)
	if !ok {
		return
	}

	entry.mu.Lock()
	inst := entry.instance
	if update.CPU != nil {
		inst.CPU = clamp01(*update.CPU)
	}
	if update.Memory != nil {
		inst.Memory = clamp01(*update.Memory)
	}
	if update.Connections != nil && *update.Connections >= 0 {
		inst.Connections = *update.Connections
	}
	if update.ResponseTime != nil && *update.ResponseTime >= 0 {
		inst.ResponseTime = *update.ResponseTime
	}
	inst.UpdatedAt = time.Now()
	snapshot := inst.Clone()
	entry.mu.Unlock()

	r.mirror(snapshot)
}

// SetHealth flips the health flag, updates the probe bookkeeping, and
// mirrors to the shared store only when the status actually changed. Only
// the health checker and breaker transitions call this. Returns whether the
// status flipped.
func (r *Registry) SetHealth(id string, healthy bool, responseTime float64) bool {
	entry, ok := r.entry(id)
	if !ok {
		return false
	}

	entry.mu.Lock()
	inst := entry.instance
	flipped := inst.Healthy != healthy
	inst.Healthy = healthy
	inst.LastHealthCheck = time.Now()
	if responseTime >= 0 {
		// EWMA, alpha 0.3: recent probes dominate but spikes decay.
		if inst.ResponseTime == 0 {
			inst.ResponseTime = responseTime
		} else {
			inst.ResponseTime = 0.3*responseTime + 0.7*inst.ResponseTime
		}
	}
	inst.UpdatedAt = time.Now()
	snapshot := inst.Clone()
	entry.mu.Unlock()

	if flipped {
		r.logger.Info("Server health changed",
			zap.String("server_id", id),
			zap.Bool("healthy", healthy),
		)
		r.mirror(snapshot)
	}
	return flipped
}

// SetDraining marks the instance as draining (excluded from selection).
func (r *Registry) SetDraining(id string, draining bool) error {
	entry, ok := r.entry(id)
	if !ok {
		return entity.ErrServerNotFound
	}
	entry.mu.Lock()
	entry.instance.Draining = draining
	entry.instance.UpdatedAt = time.Now()
	snapshot := entry.instance.Clone()
	entry.mu.Unlock()

	r.mirror(snapshot)
	return nil
}

func (r *Registry) entry(id string) (*serverEntry, bool) {
	r.mu.RLock()
	entry, ok := r.servers[id]
	r.mu.RUnlock()
	return entry, ok
}

// entries returns the current entries in stable id order. Stable ordering
// matters for round-robin: map iteration order would break its fairness.
func (r *Registry) entries() []*serverEntry {
	r.mu.RLock()
	out := make([]*serverEntry, 0, len(r.servers))
	for _, entry := range r.servers {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].instance.ID < out[j].instance.ID })
	return out
}

// mirror writes the instance to the shared store so sibling router
// processes converge on the same view. Failures are logged, never fatal.
func (r *Registry) mirror(inst *entity.ServerInstance) {
	if r.store == nil {
		return
	}
	payload, err := msgpack.Marshal(inst)
	if err != nil {
		r.logger.Warn("Failed to encode server mirror entry",
			zap.String("server_id", inst.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.MirrorTimeout)
	defer cancel()
	if err := r.store.SetWithTTL(ctx, mirrorKeyPrefix+inst.ID, payload, r.cfg.MirrorTTL); err != nil {
		r.logger.Warn("Failed to mirror server to shared store",
			zap.String("server_id", inst.ID), zap.Error(err))
	}
}

func (r *Registry) unmirror(id string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.MirrorTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, mirrorKeyPrefix+id); err != nil {
		r.logger.Warn("Failed to remove server mirror entry",
			zap.String("server_id", id), zap.Error(err))
	}
}

func errDuplicate(id string) error {
	return errors.Wrapf(entity.ErrServerExists, "server %q", id)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

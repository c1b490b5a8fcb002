// Package usecase contains the routing and fleet-scaling orchestration on
// top of the registry, strategies, breakers and shared store.
package usecase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/monitoring"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
	"github.com/fleetroute/fleetroute/infrastructure/store"
	"github.com/fleetroute/fleetroute/infrastructure/strategy"
)

const sessionKeyPrefix = "fleetroute:session:"

// Dispatch hands an admitted request to the chosen backend. The router runs
// it under the instance's circuit breaker; a non-nil error counts as a
// breaker failure and triggers retry against another instance.
type Dispatch func(ctx context.Context, server *entity.ServerInstance) error

// RouterConfig holds routing settings.
type RouterConfig struct {
	// MaxRetries is how many additional attempts follow a failed first
	// attempt. Total attempts are MaxRetries+1.
	MaxRetries int `mapstructure:"max_retries"`

	// SessionAffinity enables sticky sessions through the shared store.
	SessionAffinity bool `mapstructure:"session_affinity"`

	// SessionTTL bounds how long a sticky mapping survives.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// StoreTimeout bounds each sticky-session store call.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// DefaultRouterConfig returns the settings used when none are configured.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetries:      2,
		SessionAffinity: true,
		SessionTTL:      30 * time.Minute,
		StoreTimeout:    2 * time.Second,
	}
}

// sessionRecord is the sticky mapping stored under the session key.
type sessionRecord struct {
	ServerID  string    `msgpack:"server_id"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// Router answers "which instance handles this request now". It combines
// sticky-session lookup, strategy selection, the per-instance circuit
// breaker guard, and retry with exclusion on failure.
type Router struct {
	cfg      RouterConfig
	registry *registry.Registry
	strategy strategy.Strategy
	sessions store.Store
	dispatch Dispatch
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	successes atomic.Uint64
	failures  atomic.Uint64
}

// NewRouter creates a router. sessions may be nil to disable affinity;
// dispatch may be nil, in which case selection succeeds without contacting
// the backend (callers dispatch out of band).
func NewRouter(
	cfg RouterConfig,
	reg *registry.Registry,
	strat strategy.Strategy,
	sessions store.Store,
	dispatch Dispatch,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRouterConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if dispatch == nil {
		dispatch = func(context.Context, *entity.ServerInstance) error { return nil }
	}
	return &Router{
		cfg:      cfg,
		registry: reg,
		strategy: strat,
		sessions: sessions,
		dispatch: dispatch,
		metrics:  metrics,
		logger:   logger,
	}
}

// RouteRequest selects a backend for the request, admits it (incrementing
// the instance's load and connection counters) and returns it. The caller
// must report completion through ReleaseServer or UpdateServerMetrics.
func (r *Router) RouteRequest(ctx context.Context, req *entity.RequestContext) (*entity.RouteResult, error) {
	if req == nil {
		req = &entity.RequestContext{}
	}

	// Sticky fast path: an existing valid mapping bypasses selection.
	if srv := r.stickyLookup(ctx, req); srv != nil {
		if err := r.registry.Admit(srv.ID); err == nil {
			r.observe(srv.ID, "success")
			return &entity.RouteResult{Server: srv, Attempts: 1, Sticky: true}, nil
		}
	}

	excluded := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		candidate := r.pick(req, excluded)
		if candidate == nil {
			break
		}

		brk, ok := r.registry.Breaker(candidate.ID)
		if !ok {
			// Removed between snapshot and selection; try another.
			excluded[candidate.ID] = struct{}{}
			continue
		}

		err := brk.Do(func() error {
			return r.dispatch(ctx, candidate)
		})
		if err == nil {
			if admitErr := r.registry.Admit(candidate.ID); admitErr != nil {
				excluded[candidate.ID] = struct{}{}
				lastErr = admitErr
				continue
			}
			r.stickyRecord(ctx, req, candidate.ID)
			r.observe(candidate.ID, "success")
			return &entity.RouteResult{Server: candidate, Attempts: attempt + 1}, nil
		}

		r.logger.Debug("Routing attempt failed",
			zap.String("server_id", candidate.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if r.metrics != nil {
			r.metrics.RouteRetries.Inc()
		}
		lastErr = err
		excluded[candidate.ID] = struct{}{}
	}

	r.failures.Add(1)
	if r.metrics != nil {
		r.metrics.RouteFailures.Inc()
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, entity.ErrNoHealthyServers
}

// ReleaseServer is the completion callback decrementing the instance's load
// and connection counters. This is an explicit caller contract; the router
// never infers completion.
func (r *Router) ReleaseServer(id string) error {
	return r.registry.Release(id)
}

// UpdateServerMetrics merges an externally pushed metrics update.
func (r *Router) UpdateServerMetrics(id string, update entity.ServerMetricsUpdate) {
	r.registry.UpdateServerMetrics(id, update)
}

// pick asks the strategy for a candidate from the healthy set minus the
// instances already excluded in this call.
func (r *Router) pick(req *entity.RequestContext, excluded map[string]struct{}) *entity.ServerInstance {
	healthy := r.registry.HealthySnapshot()
	if len(excluded) > 0 {
		filtered := healthy[:0]
		for _, s := range healthy {
			if _, skip := excluded[s.ID]; !skip {
				filtered = append(filtered, s)
			}
		}
		healthy = filtered
	}
	return r.strategy.Pick(healthy, req)
}

// stickyLookup resolves the session mapping, returning the mapped server
// only when it still exists and may receive work. A stale mapping falls
// through to normal selection, which re-records it.
func (r *Router) stickyLookup(ctx context.Context, req *entity.RequestContext) *entity.ServerInstance {
	if !r.cfg.SessionAffinity || r.sessions == nil || req.SessionID == "" {
		return nil
	}

	getCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	raw, err := r.sessions.Get(getCtx, sessionKeyPrefix+req.SessionID)
	if err != nil {
		if err != store.ErrNotFound {
			r.logger.Warn("Sticky session lookup failed",
				zap.String("session_id", req.SessionID), zap.Error(err))
		}
		return nil
	}

	var rec sessionRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		r.logger.Warn("Corrupt sticky session record",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return nil
	}

	srv, ok := r.registry.Get(rec.ServerID)
	if !ok || !srv.Available() {
		return nil
	}
	if brk, ok := r.registry.Breaker(rec.ServerID); ok && !brk.Available() {
		return nil
	}
	return srv
}

// stickyRecord stores the session mapping, best-effort.
func (r *Router) stickyRecord(ctx context.Context, req *entity.RequestContext, serverID string) {
	if !r.cfg.SessionAffinity || r.sessions == nil || req.SessionID == "" {
		return
	}

	raw, err := msgpack.Marshal(sessionRecord{ServerID: serverID, CreatedAt: time.Now()})
	if err != nil {
		return
	}

	setCtx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	if err := r.sessions.SetWithTTL(setCtx, sessionKeyPrefix+req.SessionID, raw, r.cfg.SessionTTL); err != nil {
		r.logger.Warn("Failed to record sticky session",
			zap.String("session_id", req.SessionID),
			zap.String("server_id", serverID),
			zap.Error(err),
		)
	}
}

func (r *Router) observe(serverID, outcome string) {
	r.successes.Add(1)
	if r.metrics != nil {
		r.metrics.RequestsTotal.WithLabelValues(serverID, outcome).Inc()
	}
}

// Package breaker wraps sony/gobreaker with per-server-instance semantics:
// a breaker trips after a configured run of consecutive failures, fast-fails
// while open, and admits exactly one trial call once the open timeout passes.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Config holds per-instance breaker settings.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker guards a single server instance. It is created together with the
// instance's registry entry and removed with it.
type Breaker struct {
	serverID string
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// New creates a breaker for the given server id.
func New(serverID string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}

	b := &Breaker{serverID: serverID, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: serverID,
		// One trial request while half-open; its outcome decides the
		// next state.
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("server_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// Do runs fn under the breaker. While the breaker is open (or a half-open
// trial is already in flight) it returns entity.ErrCircuitOpen without
// executing fn.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return entity.ErrCircuitOpen
	}
	return err
}

// State returns the breaker state as a lowercase string: "closed", "open"
// or "half-open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Available reports whether the breaker currently admits calls.
func (b *Breaker) Available() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Counts exposes the underlying request/failure counters for stats.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// ServerID returns the id of the instance this breaker guards.
func (b *Breaker) ServerID() string {
	return b.serverID
}

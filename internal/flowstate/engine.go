package flowstate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// PhysicalResolver maps a parameter-group identifier and interface index to
// a physical-interface identifier. It is only used to populate the
// PhysicalRef field on interface rows; resolution failures never block the
// flow lifecycle.
type PhysicalResolver interface {
	Resolve(ctx context.Context, group, index string) (string, error)
}

// ErrPhysicalNotFound is returned by resolvers when no physical interface
// is known for the requested index.
var ErrPhysicalNotFound = errors.New("physical interface not found")

type Config struct {
	Logger *slog.Logger
	Store  *Store

	// Optional with defaults.
	Clock         clockwork.Clock
	Tolerance     TolerancePolicy
	Metrics       *Metrics
	Resolver      PhysicalResolver
	ResolverGroup string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Tolerance.BitrateTolerancePercent == 0 {
		c.Tolerance.BitrateTolerancePercent = defaultBitrateTolerancePercent
	}
	if c.Tolerance.BitrateTolerancePercent < 0 {
		return errors.New("bitrate tolerance must be >= 0")
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return nil
}

// Engine reconciles device-observed and provisioning-sourced flow state
// into a single store. A mutex serializes whole reconciliation cycles: the
// lifecycle merge reads and mutates many rows non-atomically and a
// provisioning update racing a poll-driven absence check on the same
// instance could delete a row mid-transition. Engines for different
// devices are independent and may run in parallel.
type Engine struct {
	cfg Config
	mu  sync.Mutex
}

func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: *cfg}, nil
}

// Store exposes the underlying store without taking the cycle lock.
// Callers needing a consistent view should use View instead; this direct
// accessor is for inspection when no cycle can be in flight.
func (e *Engine) Store() *Store {
	return e.cfg.Store
}

// View runs fn under the engine's cycle lock so it observes a consistent
// store snapshot. fn must not block on external I/O; project what you need
// and return.
func (e *Engine) View(fn func(*Store)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.cfg.Store)
}

// Tolerance returns the status comparison policy in effect.
func (e *Engine) Tolerance() TolerancePolicy {
	return e.cfg.Tolerance
}

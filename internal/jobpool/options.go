package jobpool

import (
	"context"
	"time"

	"mirrord/internal/eventbus"
	logx "mirrord/pkg/logx"
)

const (
	DefaultTick       = time.Second
	DefaultSweepEvery = 600
)

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	tick         time.Duration
	sweepEvery   int
	dispatchRate float64
	executor     Executor
	syncWorkers  int
	syncQueue    int
}

// WithTick sets the dispatch loop period.
func WithTick(d time.Duration) PoolOption {
	return func(c *poolConfig) {
		if d > 0 {
			c.tick = d
		}
	}
}

// WithSweepEvery sets how many ticks pass between housekeeping sweeps.
// Zero or less disables the sweep.
func WithSweepEvery(ticks int) PoolOption {
	return func(c *poolConfig) { c.sweepEvery = ticks }
}

// WithDispatchRate caps promotions to perSec jobs per second on top of the
// concurrency limit. Zero disables the cap.
func WithDispatchRate(perSec float64) PoolOption {
	return func(c *poolConfig) { c.dispatchRate = perSec }
}

// WithExecutor shares an executor between pools. The pool does not stop a
// shared executor.
func WithExecutor(x Executor) PoolOption {
	return func(c *poolConfig) { c.executor = x }
}

// WithSyncWorkers sizes the pool's own executor. Defaults: workers = limit, queue = limit.
func WithSyncWorkers(workers, queue int) PoolOption {
	return func(c *poolConfig) {
		c.syncWorkers = workers
		c.syncQueue = queue
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBus publishes job lifecycle events on bus.
func WithBus(bus eventbus.Bus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithMetrics records pool gauges and outcome counters.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithContext sets the parent context of all pool actors and job runs.
func WithContext(ctx context.Context) RegistryOption {
	return func(r *Registry) { r.parent = ctx }
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	id     string
	name   string
	args   []any
	kwargs map[string]any
}

// WithID sets the identity explicitly; it is used as-is.
func WithID(id string) SubmitOption {
	return func(c *submitConfig) { c.id = id }
}

// WithName overrides the qualified name used for derived identities.
func WithName(name string) SubmitOption {
	return func(c *submitConfig) { c.name = name }
}

// WithArgs adds positional arguments to the derived identity.
func WithArgs(args ...any) SubmitOption {
	return func(c *submitConfig) { c.args = append(c.args, args...) }
}

// WithKwargs adds keyword arguments to the derived identity.
func WithKwargs(kwargs map[string]any) SubmitOption {
	return func(c *submitConfig) {
		if c.kwargs == nil {
			c.kwargs = make(map[string]any, len(kwargs))
		}
		for k, v := range kwargs {
			c.kwargs[k] = v
		}
	}
}

func (c submitConfig) identity(job Job) (id, name string) {
	name = c.name
	if name == "" {
		name = qualifiedName(job)
	}
	if c.id != "" {
		return c.id, name
	}
	return Identity(name, c.args, c.kwargs), name
}

func poolLogger(log logx.Logger, name string) logx.Logger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return log.With(logx.String("pool", name))
}

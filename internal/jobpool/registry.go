package jobpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mirrord/internal/eventbus"
	"mirrord/internal/runtime/supervisor"
	logx "mirrord/pkg/logx"
)

var ErrRegistryClosed = errors.New("registry closed")

// Registry maps pool names to pools. It is owned by the composition root
// and passed to whoever submits work.
type Registry struct {
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	parent  context.Context
	sup     *supervisor.Supervisor

	mu     sync.RWMutex
	pools  map[string]*Pool
	all    []*Pool
	closed bool
}

func NewRegistry(log logx.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:    log,
		parent: context.Background(),
		pools:  map[string]*Pool{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("comp", "jobpool"))
	r.sup = supervisor.New(r.parent, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	return r
}

// NewPool creates and registers a pool. A pool already registered under
// name is replaced; it keeps running for holders of its pointer.
func (r *Registry) NewPool(name string, limit int, opts ...PoolOption) (*Pool, error) {
	if name == "" {
		return nil, &ConfigurationError{Pool: name, Err: fmt.Errorf("%w: empty name", ErrInvalidPool)}
	}
	if limit < 1 {
		return nil, &ConfigurationError{Pool: name, Err: fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidPool, limit)}
	}
	cfg := poolConfig{tick: DefaultTick, sweepEvery: DefaultSweepEvery}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &ConfigurationError{Pool: name, Err: ErrRegistryClosed}
	}
	p := newPool(r.sup.Context(), name, limit, cfg, r.log, r.bus, r.metrics)
	if old, ok := r.pools[name]; ok {
		r.log.Warn("pool replaced", logx.String("pool", name), logx.Int("old_limit", old.limit), logx.Int("limit", limit))
	}
	r.pools[name] = p
	r.all = append(r.all, p)

	backoff := supervisor.WithRestartBackoff(10*time.Millisecond, time.Second)
	r.sup.GoRestart("pool."+name, p.loop, backoff)
	r.sup.GoRestart("pool."+name+".reaper", p.reap, backoff)
	return p, nil
}

// Get returns the pool registered under name.
func (r *Registry) Get(name string) (*Pool, error) {
	r.mu.RLock()
	p, ok := r.pools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Pool: name, Err: ErrUnknownPool}
	}
	return p, nil
}

// MustGet is Get for wiring code where a missing pool is a programming error.
func (r *Registry) MustGet(name string) *Pool {
	p, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names returns registered pool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) registered() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) StartAll() {
	for _, p := range r.registered() {
		p.Start()
	}
}

func (r *Registry) StopAll() {
	for _, p := range r.registered() {
		p.Stop()
	}
}

// ShutdownAll shuts every pool down concurrently and waits until each one
// has discarded its queue and cancelled its running jobs. If ctx ends first
// the error names the pool; a shutdown already queued on its actor still
// applies later.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.registered() {
		g.Go(func() error {
			if !p.callContext(gctx, p.shutdown) && gctx.Err() != nil {
				return fmt.Errorf("shutdown pool %s: %w", p.name, gctx.Err())
			}
			return nil
		})
	}
	return g.Wait()
}

// Snapshots returns the state of every registered pool, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	pools := r.registered()
	out := make([]Snapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Snapshot())
	}
	return out
}

// Goroutines exposes the supervisor view of pool actors and reapers.
func (r *Registry) Goroutines() supervisor.Snapshot {
	return r.sup.Snapshot()
}

// Close stops every actor and reaper, cancels outstanding run contexts and
// drains the pools' own executors. The registry is unusable afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pools := append([]*Pool(nil), r.all...)
	r.mu.Unlock()

	err := r.sup.Stop(ctx)

	drained := make(chan struct{})
	go func() {
		for _, p := range pools {
			p.stopExecutor()
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("drain executors: %w", ctx.Err()))
	}
	return err
}

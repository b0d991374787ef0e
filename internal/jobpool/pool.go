package jobpool

import (
	"container/list"
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"mirrord/internal/eventbus"
	logx "mirrord/pkg/logx"
)

// JobState is where an identity currently sits in a pool.
type JobState int

const (
	StatePending JobState = iota + 1
	StateRunning
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Counters are cumulative per-pool totals.
type Counters struct {
	Submitted    uint64 `json:"submitted"`
	Deduplicated uint64 `json:"deduplicated"`
	Dispatched   uint64 `json:"dispatched"`
	Succeeded    uint64 `json:"succeeded"`
	Failed       uint64 `json:"failed"`
	Cancelled    uint64 `json:"cancelled"`
	TimedOut     uint64 `json:"timed_out"`
	Discarded    uint64 `json:"discarded"`
}

// Snapshot is a point-in-time view of a pool.
type Snapshot struct {
	Name     string   `json:"name"`
	Limit    int      `json:"limit"`
	Running  bool     `json:"running"`
	Looping  bool     `json:"looping"`
	Pending  []string `json:"pending"`
	Active   []string `json:"active"`
	Ticks    uint64   `json:"ticks"`
	Counters Counters `json:"counters"`
}

// JobEvent is the payload of every job.* event on the bus.
type JobEvent struct {
	Pool      string        `json:"pool"`
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	RunID     string        `json:"run_id,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	Submitted time.Time     `json:"submitted"`
	Started   time.Time     `json:"started,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Pool is a named, bounded job queue. All methods are safe for concurrent use.
type Pool struct {
	name  string
	limit int
	cfg   poolConfig

	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	limiter *rate.Limiter
	exec    Executor
	ownExec bool

	// ctx is the lifetime of the owning registry; run contexts derive from it.
	ctx     context.Context
	cmds    chan func(*poolState)
	results chan result

	st poolState
}

type poolState struct {
	running    bool
	ticker     *time.Ticker
	ticks      uint64
	pending    *list.List
	pendingIdx map[string]*list.Element
	active     map[string]*execution
	counters   Counters
}

type pendingJob struct {
	id        string
	name      string
	job       Job
	submitted time.Time
}

type execution struct {
	id        string
	name      string
	runID     string
	job       Job
	submitted time.Time
	started   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

type result struct {
	exec     *execution
	err      error
	finished time.Time
}

func newPool(ctx context.Context, name string, limit int, cfg poolConfig, log logx.Logger, bus eventbus.Bus, m *Metrics) *Pool {
	p := &Pool{
		name:    name,
		limit:   limit,
		cfg:     cfg,
		log:     poolLogger(log, name),
		bus:     bus,
		metrics: m,
		ctx:     ctx,
		cmds:    make(chan func(*poolState), 256),
		results: make(chan result, limit*2),
		st: poolState{
			pending:    list.New(),
			pendingIdx: map[string]*list.Element{},
			active:     map[string]*execution{},
		},
	}
	if cfg.dispatchRate > 0 {
		burst := int(cfg.dispatchRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.dispatchRate), burst)
	}
	p.exec = cfg.executor
	if p.exec == nil {
		workers, queue := cfg.syncWorkers, cfg.syncQueue
		if workers <= 0 {
			workers = limit
		}
		if queue <= 0 {
			queue = limit
		}
		p.exec = NewPondExecutor(workers, queue, p.log)
		p.ownExec = true
	}
	return p
}

func (p *Pool) Name() string { return p.name }
func (p *Pool) Limit() int   { return p.limit }

// send queues fn on the actor without waiting. It is a no-op once the
// registry is closed.
func (p *Pool) send(fn func(*poolState)) {
	select {
	case p.cmds <- fn:
	case <-p.ctx.Done():
	}
}

// call runs fn on the actor and waits for it. It reports false when the
// registry is closed before fn ran.
func (p *Pool) call(fn func(*poolState)) bool {
	return p.callContext(p.ctx, fn)
}

// callContext is call that also gives up once ctx is done. fn may still run
// on the actor after an early return if it was already queued.
func (p *Pool) callContext(ctx context.Context, fn func(*poolState)) bool {
	done := make(chan struct{})
	wrapped := func(st *poolState) {
		defer close(done)
		fn(st)
	}
	select {
	case p.cmds <- wrapped:
	case <-p.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-p.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Submit enqueues job unless its identity is already pending or running.
// It never blocks on job execution and reports nothing back.
func (p *Pool) Submit(job Job, opts ...SubmitOption) {
	if job == nil {
		p.log.Warn("submit ignored: nil job")
		return
	}
	var sc submitConfig
	for _, o := range opts {
		if o != nil {
			o(&sc)
		}
	}
	id, name := sc.identity(job)
	now := time.Now()
	p.send(func(st *poolState) {
		p.enqueue(st, &pendingJob{id: id, name: name, job: job, submitted: now})
	})
}

// Start activates the dispatch loop. Repeated calls are no-ops.
func (p *Pool) Start() {
	p.call(p.start)
}

// Stop suspends dispatch. Running jobs finish and pending jobs stay queued.
func (p *Pool) Stop() {
	p.call(func(st *poolState) {
		if st.running {
			st.running = false
			p.log.Info("pool stopped", logx.Int("pending", st.pending.Len()), logx.Int("running", len(st.active)))
		}
	})
}

// Shutdown stops dispatch, discards pending jobs and cancels running ones.
// The pool can be started again afterwards.
func (p *Pool) Shutdown() {
	p.call(p.shutdown)
}

// Running reports whether the pool is dispatching.
func (p *Pool) Running() bool {
	var running bool
	p.call(func(st *poolState) { running = st.running })
	return running
}

// PendingIDs returns queued identities in dispatch order.
func (p *Pool) PendingIDs() []string {
	var ids []string
	p.call(func(st *poolState) { ids = st.pendingIDs() })
	return ids
}

// RunningIDs returns identities currently holding a slot, sorted.
func (p *Pool) RunningIDs() []string {
	var ids []string
	p.call(func(st *poolState) { ids = st.activeIDs() })
	return ids
}

// Peek reports whether id is pending or running.
func (p *Pool) Peek(id string) (JobState, bool) {
	var (
		state JobState
		ok    bool
	)
	p.call(func(st *poolState) {
		if _, found := st.pendingIdx[id]; found {
			state, ok = StatePending, true
			return
		}
		if _, found := st.active[id]; found {
			state, ok = StateRunning, true
		}
	})
	return state, ok
}

// Cancel drops a pending job or requests cancellation of a running one.
// A cancelled running job keeps its slot until its body returns.
// It reports false for an unknown id.
func (p *Pool) Cancel(id string) bool {
	var ok bool
	p.call(func(st *poolState) {
		if el, found := st.pendingIdx[id]; found {
			pj := st.removePending(el)
			p.discard(st, pj, "cancelled")
			p.syncGauges(st)
			ok = true
			return
		}
		if e, found := st.active[id]; found {
			p.log.Info("cancelling running job", logx.String("job", id), logx.String("run", e.runID))
			e.cancel()
			ok = true
		}
	})
	return ok
}

// Snapshot returns the pool's current state.
func (p *Pool) Snapshot() Snapshot {
	snap := Snapshot{Name: p.name, Limit: p.limit}
	p.call(func(st *poolState) {
		snap.Running = st.running
		snap.Looping = st.ticker != nil
		snap.Pending = st.pendingIDs()
		snap.Active = st.activeIDs()
		snap.Ticks = st.ticks
		snap.Counters = st.counters
	})
	return snap
}

func (st *poolState) pendingIDs() []string {
	ids := make([]string, 0, st.pending.Len())
	for el := st.pending.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*pendingJob).id)
	}
	return ids
}

func (st *poolState) activeIDs() []string {
	ids := make([]string, 0, len(st.active))
	for id := range st.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (st *poolState) removePending(el *list.Element) *pendingJob {
	pj := st.pending.Remove(el).(*pendingJob)
	delete(st.pendingIdx, pj.id)
	return pj
}

func (p *Pool) publish(typ string, ev JobEvent) {
	if p.bus == nil {
		return
	}
	ev.Pool = p.name
	p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (p *Pool) syncGauges(st *poolState) {
	p.metrics.setSizes(p.name, st.pending.Len(), len(st.active))
}

// stopExecutor releases the pool's own executor. Shared executors are left alone.
func (p *Pool) stopExecutor() {
	if p.ownExec {
		p.exec.Stop()
	}
}

package jobpool

import (
	"context"
	"time"

	"github.com/google/uuid"

	logx "mirrord/pkg/logx"
)

// loop is the pool actor. It is the only goroutine touching p.st.
func (p *Pool) loop(ctx context.Context) error {
	for {
		var tick <-chan time.Time
		if p.st.ticker != nil {
			tick = p.st.ticker.C
		}
		select {
		case <-ctx.Done():
			if p.st.ticker != nil {
				p.st.ticker.Stop()
				p.st.ticker = nil
			}
			return nil
		case fn := <-p.cmds:
			fn(&p.st)
		case <-tick:
			p.onTick(&p.st)
		}
	}
}

func (p *Pool) start(st *poolState) {
	if st.running {
		return
	}
	st.running = true
	if st.ticker == nil {
		st.ticker = time.NewTicker(p.cfg.tick)
		p.log.Info("dispatch loop started", logx.Int("limit", p.limit), logx.Duration("tick", p.cfg.tick))
	} else {
		p.log.Info("pool resumed", logx.Int("pending", st.pending.Len()))
	}
	p.dispatch(st)
}

func (p *Pool) shutdown(st *poolState) {
	st.running = false
	if st.ticker != nil {
		st.ticker.Stop()
		st.ticker = nil
	}
	discarded := st.pending.Len()
	for el := st.pending.Front(); el != nil; el = st.pending.Front() {
		p.discard(st, st.removePending(el), "shutdown")
	}
	cancelled := len(st.active)
	for id, e := range st.active {
		e.cancel()
		delete(st.active, id)
	}
	p.syncGauges(st)
	p.log.Info("pool shut down", logx.Int("discarded", discarded), logx.Int("cancelled", cancelled))
}

func (p *Pool) enqueue(st *poolState, pj *pendingJob) {
	if _, dup := st.pendingIdx[pj.id]; dup {
		p.dedup(st, pj.id, StatePending)
		return
	}
	if _, dup := st.active[pj.id]; dup {
		p.dedup(st, pj.id, StateRunning)
		return
	}
	st.pendingIdx[pj.id] = st.pending.PushBack(pj)
	st.counters.Submitted++
	p.log.Debug("job queued", logx.String("job", pj.id), logx.Int("pending", st.pending.Len()))
	p.publish("job.pending", JobEvent{ID: pj.id, Name: pj.name, Submitted: pj.submitted})
	if !st.running {
		p.start(st)
		return
	}
	p.dispatch(st)
}

func (p *Pool) dedup(st *poolState, id string, where JobState) {
	st.counters.Deduplicated++
	p.metrics.dedup(p.name)
	p.log.Debug("duplicate submission ignored", logx.String("job", id), logx.String("state", where.String()))
}

func (p *Pool) onTick(st *poolState) {
	st.ticks++
	p.dispatch(st)
	if p.cfg.sweepEvery > 0 && st.ticks%uint64(p.cfg.sweepEvery) == 0 {
		p.sweep(st)
	}
}

// dispatch promotes pending jobs while the pool holds fewer than limit
// running entries.
func (p *Pool) dispatch(st *poolState) {
	if !st.running {
		return
	}
	for free := p.limit - len(st.active); free > 0 && st.pending.Len() > 0; free-- {
		if p.limiter != nil && !p.limiter.Allow() {
			break
		}
		p.launch(st, st.removePending(st.pending.Front()))
	}
	p.syncGauges(st)
}

func (p *Pool) launch(st *poolState, pj *pendingJob) {
	ctx, cancel := context.WithCancel(p.ctx)
	e := &execution{
		id:        pj.id,
		name:      pj.name,
		runID:     uuid.NewString(),
		job:       pj.job,
		submitted: pj.submitted,
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	st.active[e.id] = e
	st.counters.Dispatched++
	p.log.Debug("job started",
		logx.String("job", e.id),
		logx.String("run", e.runID),
		logx.Duration("waited", e.started.Sub(e.submitted)),
	)
	p.publish("job.started", e.event())
	go p.execute(ctx, e)
}

func (p *Pool) execute(ctx context.Context, e *execution) {
	var err error
	if isOffloaded(e.job) {
		err = p.exec.Run(ctx, func(ctx context.Context) error {
			return safeRun(ctx, e.id, e.job.Run)
		})
	} else {
		err = safeRun(ctx, e.id, e.job.Run)
	}
	finished := time.Now()
	e.cancel()
	close(e.done)
	select {
	case p.results <- result{exec: e, err: err, finished: finished}:
	case <-p.ctx.Done():
	}
}

// sweep drops running entries whose body has returned but whose slot was
// never reclaimed.
func (p *Pool) sweep(st *poolState) {
	n := 0
	for id, e := range st.active {
		select {
		case <-e.done:
			delete(st.active, id)
			n++
		default:
		}
	}
	if n > 0 {
		p.log.Warn("sweep reclaimed finished jobs", logx.Int("count", n))
		p.syncGauges(st)
	}
}

// reclaim frees the slot of a finished run. A newer run with the same id is left alone.
func (p *Pool) reclaim(st *poolState, r result, o Outcome) {
	switch o {
	case OutcomeSucceeded:
		st.counters.Succeeded++
	case OutcomeCancelled:
		st.counters.Cancelled++
	case OutcomeTimedOut:
		st.counters.TimedOut++
	default:
		st.counters.Failed++
	}
	if cur, ok := st.active[r.exec.id]; ok && cur == r.exec {
		delete(st.active, r.exec.id)
		p.syncGauges(st)
	}
}

func (p *Pool) discard(st *poolState, pj *pendingJob, reason string) {
	st.counters.Discarded++
	p.metrics.finished(p.name, OutcomeDiscarded, 0)
	p.log.Debug("pending job discarded", logx.String("job", pj.id), logx.String("reason", reason))
	p.publish("job.discarded", JobEvent{
		ID:        pj.id,
		Name:      pj.name,
		Outcome:   OutcomeDiscarded.String(),
		Error:     reason,
		Submitted: pj.submitted,
	})
}

func (e *execution) event() JobEvent {
	return JobEvent{
		ID:        e.id,
		Name:      e.name,
		RunID:     e.runID,
		Submitted: e.submitted,
		Started:   e.started,
	}
}

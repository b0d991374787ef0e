package jobpool

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"

	logx "mirrord/pkg/logx"
)

// Executor runs blocking job bodies off the pool actor.
type Executor interface {
	// Run executes fn on a worker and blocks the caller until fn returns.
	Run(ctx context.Context, fn func(ctx context.Context) error) error
	Stop()
}

// PondExecutor is an Executor backed by a bounded pond worker pool.
type PondExecutor struct {
	pool *pond.WorkerPool
	log  logx.Logger

	stopOnce sync.Once
}

// NewPondExecutor starts an executor with at most workers goroutines and
// queue waiting tasks. Submissions beyond the queue block the submitting
// job goroutine, never the pool actor.
func NewPondExecutor(workers, queue int, log logx.Logger) *PondExecutor {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	x := &PondExecutor{log: log}
	x.pool = pond.New(workers, queue,
		pond.IdleTimeout(30*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p any) {
			x.log.Error("executor task panicked", logx.Any("panic", p))
		}),
	)
	return x
}

func (x *PondExecutor) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if x.pool.Stopped() {
		return ErrExecutorStopped
	}
	done := make(chan error, 1)
	defer func() {
		// Submit panics if the pool was stopped after the check above.
		if r := recover(); r != nil {
			err = ErrExecutorStopped
		}
	}()
	started := make(chan struct{})
	x.pool.Submit(func() {
		close(started)
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
	}
	// A body that already started keeps its caller until it returns; a task
	// still queued sees ctx done and skips fn.
	select {
	case <-started:
		return <-done
	default:
		return ctx.Err()
	}
}

// Stop waits for queued and running tasks, then releases the workers.
func (x *PondExecutor) Stop() {
	x.stopOnce.Do(x.pool.StopAndWait)
}

// Busy reports running workers and queued tasks.
func (x *PondExecutor) Busy() (running, waiting int) {
	return int(x.pool.RunningWorkers()), int(x.pool.WaitingTasks())
}

package jobpool

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"time"
)

// Job is a unit of background work.
type Job interface {
	Run(ctx context.Context) error
}

// Named lets a job supply the qualified name used to derive its identity.
type Named interface {
	Name() string
}

// Func is an asynchronous job body. It runs on its own goroutine once dispatched.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }

// SyncFunc is a blocking job body (disk, network, CPU). Once dispatched it
// is handed to the pool's Executor so it cannot stall other work.
type SyncFunc func(ctx context.Context) error

func (f SyncFunc) Run(ctx context.Context) error { return f(ctx) }

// offloaded is implemented by jobs that must run on the Executor.
type offloaded interface {
	offload() bool
}

func (SyncFunc) offload() bool { return true }

// WithTimeout bounds a single job body. The pool itself never imposes
// timeouts; a body that overruns d returns ErrJobTimedOut.
func WithTimeout(job Job, d time.Duration) Job {
	return timeoutJob{job: job, d: d}
}

type timeoutJob struct {
	job Job
	d   time.Duration
}

func (t timeoutJob) Run(ctx context.Context) error {
	if t.d <= 0 {
		return t.job.Run(ctx)
	}
	runCtx, cancel := context.WithTimeoutCause(ctx, t.d, ErrJobTimedOut)
	defer cancel()
	err := t.job.Run(runCtx)
	if err != nil && context.Cause(runCtx) == ErrJobTimedOut && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrJobTimedOut, t.d, err)
	}
	return err
}

func (t timeoutJob) Name() string   { return qualifiedName(t.job) }
func (t timeoutJob) offload() bool { return isOffloaded(t.job) }

func isOffloaded(job Job) bool {
	o, ok := job.(offloaded)
	return ok && o.offload()
}

// qualifiedName returns the name identity derivation starts from.
func qualifiedName(job Job) string {
	if n, ok := job.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	v := reflect.ValueOf(job)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", job)
}

// safeRun runs job and converts a panic into a JobFailedError.
func safeRun(ctx context.Context, id string, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobFailedError{ID: id, Panic: r, Stack: string(debug.Stack())}
		}
	}()
	return run(ctx)
}

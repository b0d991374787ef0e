package jobpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "mirrord/pkg/logx"
)

const testTick = 10 * time.Millisecond

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(logx.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.ShutdownAll(ctx)
		_ = r.Close(ctx)
	})
	return r
}

func newTestPool(t *testing.T, r *Registry, name string, limit int, opts ...PoolOption) *Pool {
	t.Helper()
	p, err := r.NewPool(name, limit, append([]PoolOption{WithTick(testTick)}, opts...)...)
	require.NoError(t, err)
	return p
}

// blocker returns a job that waits for release (or its context) and a
// function that releases it.
func blocker(started *atomic.Int32) (Job, func()) {
	gate := make(chan struct{})
	var once sync.Once
	job := Func(func(ctx context.Context) error {
		if started != nil {
			started.Add(1)
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return job, func() { once.Do(func() { close(gate) }) }
}

func TestSubmitDeduplicatesPendingAndRunning(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "dedup", 1)

	var started atomic.Int32
	a, releaseA := blocker(&started)
	defer releaseA()
	b, releaseB := blocker(nil)
	defer releaseB()

	p.Submit(a, WithID("a"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	p.Submit(a, WithID("a"))
	p.Submit(b, WithID("b"))
	p.Submit(b, WithID("b"))

	require.Equal(t, []string{"b"}, p.PendingIDs())
	require.Equal(t, []string{"a"}, p.RunningIDs())
	snap := p.Snapshot()
	require.Equal(t, uint64(2), snap.Counters.Deduplicated)
	require.Equal(t, uint64(2), snap.Counters.Submitted)
	require.Equal(t, int32(1), started.Load())
}

func TestDispatchIsFIFO(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "fifo", 1)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, id := range []string{"j0", "j1", "j2", "j3", "j4"} {
		p.Submit(Func(func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}), WithID(id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, testTick)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"j0", "j1", "j2", "j3", "j4"}, order)
}

func TestRunningNeverExceedsLimit(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "capped", 2)

	var (
		current atomic.Int32
		peak    atomic.Int32
		done    atomic.Int32
	)
	for i := 0; i < 5; i++ {
		p.Submit(Func(func(context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			current.Add(-1)
			done.Add(1)
			return nil
		}), WithArgs(i))
	}

	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return done.Load() == 5 }, 3*time.Second, testTick)
	require.Equal(t, int32(2), peak.Load())
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 5 }, time.Second, testTick)
}

func TestBurstFillsFreeSlotsWithinOneTick(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.NewPool("burst", 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		p.Submit(Func(func(context.Context) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		}), WithArgs(i))
	}

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, p.RunningIDs(), 2)
	assert.Len(t, p.PendingIDs(), 3)

	// Freed slots are refilled on the next tick.
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 5 }, 4*time.Second, 50*time.Millisecond)
	require.Empty(t, p.PendingIDs())
	require.Empty(t, p.RunningIDs())
}

func TestStartIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "idem", 1)

	p.Start()
	p.Start()
	require.True(t, p.Running())

	var runs atomic.Int32
	p.Submit(Func(func(context.Context) error {
		runs.Add(1)
		return nil
	}), WithID("once"))

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, testTick)
	require.Never(t, func() bool { return runs.Load() > 1 }, 100*time.Millisecond, testTick)

	actors := 0
	for _, g := range r.Goroutines().Goroutines {
		if g.Name == "pool.idem" {
			actors++
		}
	}
	require.Equal(t, 1, actors)
}

func TestStopKeepsQueuedAndRunningJobs(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "stop", 1)

	a, releaseA := blocker(nil)
	defer releaseA()
	var bRan atomic.Int32
	p.Submit(a, WithID("a"))
	p.Submit(Func(func(context.Context) error {
		bRan.Add(1)
		return nil
	}), WithID("b"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	p.Stop()
	require.False(t, p.Running())
	require.Equal(t, []string{"a"}, p.RunningIDs())
	require.Equal(t, []string{"b"}, p.PendingIDs())

	releaseA()
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 0 }, time.Second, testTick)
	require.Never(t, func() bool { return bRan.Load() > 0 }, 100*time.Millisecond, testTick)
	require.Equal(t, []string{"b"}, p.PendingIDs())

	p.Start()
	require.Eventually(t, func() bool { return bRan.Load() == 1 }, time.Second, testTick)
}

func TestShutdownDiscardsAndCancels(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "shutdown", 1)

	cancelled := make(chan error, 1)
	p.Submit(Func(func(ctx context.Context) error {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	}), WithID("a"))
	p.Submit(Func(func(context.Context) error { return nil }), WithID("b"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	p.Shutdown()
	require.False(t, p.Running())
	require.Empty(t, p.PendingIDs())
	require.Empty(t, p.RunningIDs())

	select {
	case err := <-cancelled:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running job was not cancelled")
	}
	require.Eventually(t, func() bool {
		c := p.Snapshot().Counters
		return c.Cancelled == 1 && c.Discarded == 1
	}, time.Second, testTick)
	require.False(t, p.Snapshot().Looping)

	// A pool that was shut down starts again on the next submission.
	var ran atomic.Bool
	p.Submit(Func(func(context.Context) error {
		ran.Store(true)
		return nil
	}), WithID("c"))
	require.Eventually(t, ran.Load, time.Second, testTick)
	require.True(t, p.Running())
}

func TestResubmittedJobSurvivesStalePredecessor(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "stale", 1)

	oldGate := make(chan struct{})
	p.Submit(Func(func(context.Context) error {
		<-oldGate
		return nil
	}), WithID("a"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	p.Shutdown()
	fresh, releaseFresh := blocker(nil)
	defer releaseFresh()
	p.Submit(fresh, WithID("a"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	close(oldGate)
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 1 }, time.Second, testTick)
	require.Never(t, func() bool { return len(p.RunningIDs()) == 0 }, 100*time.Millisecond, testTick)
}

func TestTransferRunsOncePerInFlightID(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "transfer", 1)

	var (
		mu        sync.Mutex
		transfers = map[int]int{}
	)
	transfer := func(id int) Job {
		return Func(func(context.Context) error {
			mu.Lock()
			transfers[id]++
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}
	for i := 0; i < 3; i++ {
		p.Submit(transfer(42), WithName("mirror.transfer"), WithArgs(42))
	}

	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 1 }, time.Second, testTick)
	mu.Lock()
	require.Equal(t, 1, transfers[42])
	mu.Unlock()

	// Once finished the identity is free again.
	p.Submit(transfer(42), WithName("mirror.transfer"), WithArgs(42))
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 2 }, time.Second, testTick)
	mu.Lock()
	require.Equal(t, 2, transfers[42])
	mu.Unlock()
}

func TestCancel(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "cancel", 1)

	a, releaseA := blocker(nil)
	defer releaseA()
	b, releaseB := blocker(nil)
	defer releaseB()
	p.Submit(a, WithID("a"))
	p.Submit(b, WithID("b"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	state, ok := p.Peek("b")
	require.True(t, ok)
	require.Equal(t, StatePending, state)
	require.True(t, p.Cancel("b"))
	require.Empty(t, p.PendingIDs())

	state, ok = p.Peek("a")
	require.True(t, ok)
	require.Equal(t, StateRunning, state)
	require.True(t, p.Cancel("a"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 0 }, time.Second, testTick)

	require.False(t, p.Cancel("missing"))
	_, ok = p.Peek("missing")
	require.False(t, ok)

	c := p.Snapshot().Counters
	assert.Equal(t, uint64(1), c.Cancelled)
	assert.Equal(t, uint64(1), c.Discarded)
}

func TestSyncFuncRunsOnExecutor(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "sync", 2, WithSyncWorkers(1, 4))

	gate := make(chan struct{})
	var finished atomic.Int32
	p.Submit(SyncFunc(func(ctx context.Context) error {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		finished.Add(1)
		return nil
	}), WithID("slow"))
	p.Submit(Func(func(context.Context) error {
		finished.Add(1)
		return nil
	}), WithID("fast"))

	// The blocked sync body holds neither the actor nor the other slot.
	require.Eventually(t, func() bool {
		ids := p.RunningIDs()
		return finished.Load() == 1 && len(ids) == 1 && ids[0] == "slow"
	}, time.Second, testTick)

	close(gate)
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Succeeded == 2 }, time.Second, testTick)
}

func TestOutcomesAreClassified(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "outcomes", 4)

	p.Submit(Func(func(context.Context) error { return errors.New("boom") }), WithID("failed"))
	p.Submit(Func(func(context.Context) error { panic("kaboom") }), WithID("panicked"))
	p.Submit(WithTimeout(Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 20*time.Millisecond), WithID("slow"))
	p.Submit(Func(func(context.Context) error { return nil }), WithID("ok"))

	require.Eventually(t, func() bool {
		c := p.Snapshot().Counters
		return c.Failed == 2 && c.TimedOut == 1 && c.Succeeded == 1
	}, 2*time.Second, testTick)
	require.Empty(t, p.RunningIDs())
}

// finishedRun is a running entry whose body already returned but whose
// result never reached the reaper.
func finishedRun(id string) *execution {
	e := &execution{id: id, name: id, cancel: func() {}, done: make(chan struct{})}
	close(e.done)
	return e
}

func TestSweepReclaimsUnreportedRuns(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "sweep", 3, WithSweepEvery(2))
	p.Start()

	live, releaseLive := blocker(nil)
	defer releaseLive()
	p.Submit(live, WithID("live"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	require.True(t, p.call(func(st *poolState) {
		st.active["lost-1"] = finishedRun("lost-1")
		st.active["lost-2"] = finishedRun("lost-2")
	}))

	require.Eventually(t, func() bool {
		ids := p.RunningIDs()
		return len(ids) == 1 && ids[0] == "live"
	}, time.Second, testTick)
	assert.Len(t, p.Snapshot().Active, 1)
}

func TestSweepDisabledKeepsUnreportedRuns(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "nosweep", 2, WithSweepEvery(0))
	p.Start()

	require.True(t, p.call(func(st *poolState) {
		st.active["lost"] = finishedRun("lost")
	}))
	require.Never(t, func() bool { return len(p.RunningIDs()) == 0 }, 100*time.Millisecond, testTick)
}

func TestDispatchRateThrottlesPromotions(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "rated", 3, WithDispatchRate(1))

	for _, id := range []string{"a", "b", "c"} {
		job, release := blocker(nil)
		defer release()
		p.Submit(job, WithID(id))
	}

	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)
	require.Never(t, func() bool { return len(p.RunningIDs()) > 1 }, 300*time.Millisecond, testTick)
	require.Equal(t, []string{"a"}, p.RunningIDs())
	require.Equal(t, []string{"b", "c"}, p.PendingIDs())

	// The limiter refills one token per second.
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 2 }, 2*time.Second, testTick)
	require.Equal(t, []string{"c"}, p.PendingIDs())
}

package jobpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mirrord/internal/eventbus"
	logx "mirrord/pkg/logx"
)

func TestRegistryRejectsInvalidPools(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.NewPool("", 1)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.ErrorIs(t, err, ErrInvalidPool)

	_, err = r.NewPool("zero", 0)
	require.ErrorIs(t, err, ErrInvalidPool)
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "transfer", 2)

	got, err := r.Get("transfer")
	require.NoError(t, err)
	require.Same(t, p, got)

	_, err = r.Get("missing")
	require.ErrorIs(t, err, ErrUnknownPool)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "missing", cfgErr.Pool)

	require.Panics(t, func() { r.MustGet("missing") })
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := newTestRegistry(t)
	first := newTestPool(t, r, "sync", 1)
	second := newTestPool(t, r, "sync", 3)

	got := r.MustGet("sync")
	require.Same(t, second, got)
	require.NotSame(t, first, got)
	require.Equal(t, 3, got.Limit())
	require.Equal(t, []string{"sync"}, r.Names())

	// The replaced pool still works for whoever holds it.
	var ran atomic.Bool
	first.Submit(Func(func(context.Context) error {
		ran.Store(true)
		return nil
	}), WithID("orphan"))
	require.Eventually(t, ran.Load, time.Second, testTick)
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	a := newTestPool(t, r, "a", 1)
	b := newTestPool(t, r, "b", 1)

	r.StartAll()
	require.True(t, a.Running())
	require.True(t, b.Running())

	r.StopAll()
	require.False(t, a.Running())
	require.False(t, b.Running())

	blockedA, releaseA := blocker(nil)
	defer releaseA()
	a.Submit(blockedA, WithID("x"))
	require.Eventually(t, func() bool { return len(a.RunningIDs()) == 1 }, time.Second, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.ShutdownAll(ctx))
	require.Empty(t, a.RunningIDs())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	require.Equal(t, "a", snaps[0].Name)
	require.Equal(t, "b", snaps[1].Name)
}

func TestShutdownAllHonoursDeadline(t *testing.T) {
	r := newTestRegistry(t)
	p := newTestPool(t, r, "busy", 1)
	r.StartAll()

	gate := make(chan struct{})
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()
	// Occupy the actor so the shutdown command cannot run yet.
	p.send(func(*poolState) { <-gate })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.ShutdownAll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "busy")

	close(gate)
	require.Eventually(t, func() bool { return !p.Running() }, time.Second, testTick)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(logx.Nop())
	p, err := r.NewPool("work", 1, WithTick(testTick))
	require.NoError(t, err)

	cancelled := make(chan struct{})
	p.Submit(SyncFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}), WithID("long"))
	require.Eventually(t, func() bool { return len(p.RunningIDs()) == 1 }, time.Second, testTick)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	<-cancelled

	_, err = r.NewPool("late", 1)
	require.ErrorIs(t, err, ErrRegistryClosed)

	// Calls on a closed pool return instead of hanging.
	p.Submit(Func(func(context.Context) error { return nil }))
	require.False(t, p.Running())
	require.NoError(t, r.Close(ctx))
}

func TestRegistryPublishesEventsAndMetrics(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.SubscribePrefix("job.", 64)
	defer unsubscribe()
	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)

	r := newTestRegistry(t, WithBus(bus), WithMetrics(m))
	p := newTestPool(t, r, "events", 2)

	ok, releaseOK := blocker(nil)
	defer releaseOK()
	p.Submit(ok, WithID("ok"))
	p.Submit(Func(func(context.Context) error { panic("bad") }), WithID("bad"))
	p.Submit(ok, WithID("ok"))
	require.Eventually(t, func() bool { return p.Snapshot().Counters.Deduplicated == 1 }, time.Second, testTick)
	releaseOK()

	seen := map[string][]string{}
	deadline := time.After(2 * time.Second)
	for terminal := 0; terminal < 2; {
		select {
		case ev := <-events:
			data, isJob := ev.Data.(JobEvent)
			require.True(t, isJob)
			require.Equal(t, "events", data.Pool)
			seen[data.ID] = append(seen[data.ID], ev.Type)
			if ev.Terminal() {
				terminal++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
	require.Equal(t, []string{"job.pending", "job.started", "job.succeeded"}, seen["ok"])
	require.Equal(t, []string{"job.pending", "job.started", "job.failed"}, seen["bad"])

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.running.WithLabelValues("events")) == 0
	}, time.Second, testTick)
	require.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("events", "succeeded")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.outcomes.WithLabelValues("events", "failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.deduped.WithLabelValues("events")))
	require.Equal(t, float64(0), testutil.ToFloat64(m.pending.WithLabelValues("events")))
}

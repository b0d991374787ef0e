package jobpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "mirrord/pkg/logx"
)

func TestPondExecutorQueuedTaskReturnsOnCancel(t *testing.T) {
	x := NewPondExecutor(1, 1, logx.Nop())
	defer x.Stop()

	gate := make(chan struct{})
	busy := make(chan struct{})
	go func() {
		_ = x.Run(context.Background(), func(context.Context) error {
			close(busy)
			<-gate
			return nil
		})
	}()
	<-busy

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- x.Run(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		_, waiting := x.Busy()
		return waiting == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued task did not return after cancel")
	}

	close(gate)
	require.Never(t, ran.Load, 100*time.Millisecond, 10*time.Millisecond)
}

func TestPondExecutorWaitsForStartedBody(t *testing.T) {
	x := NewPondExecutor(1, 1, logx.Nop())
	defer x.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var returned atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- x.Run(ctx, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			returned.Store(true)
			return ctx.Err()
		})
	}()
	<-started
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, returned.Load())
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

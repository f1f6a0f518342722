package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

func TestGroup_RunsJobsUntilStopped(t *testing.T) {
	var runs, failures atomic.Int32
	g := NewGroup(context.Background())
	g.Add(JobFunc("count", func(context.Context) error {
		runs.Add(1)
		return nil
	}), 10*time.Millisecond)
	g.Add(JobFunc("flaky", func(context.Context) error {
		failures.Add(1)
		return errors.New("nope")
	}), 10*time.Millisecond)

	g.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 && failures.Load() >= 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after stop")
}

func TestPeriodicWorker_RunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	pw := NewPeriodicWorker(JobFunc("once", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	pw.Start(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run on start")
	}

	cancel()
	assert.NoError(t, pw.Wait(context.Background()))
}

func TestPeriodicWorker_PanicDoesNotKillLoop(t *testing.T) {
	var runs atomic.Int32
	pw := NewPeriodicWorker(JobFunc("panicky", func(context.Context) error {
		runs.Add(1)
		panic("boom")
	}), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	pw.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, pw.Wait(context.Background()))
}

func TestPeriodicWorker_WaitTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pw := NewPeriodicWorker(JobFunc("stuck", func(context.Context) error {
		<-block
		return nil
	}), time.Hour)
	pw.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pw.Wait(ctx), metrics.ErrShutdownTimeout)
}

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/zonestream/metric"
)

func TestPool_ProcessesWork(t *testing.T) {
	var sum atomic.Int64
	var wg sync.WaitGroup

	pool := NewPool(3, 10, func(_ context.Context, n int) error {
		defer wg.Done()
		sum.Add(int64(n))
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(i))
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(15), sum.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPool_CountsFailures(t *testing.T) {
	var wg sync.WaitGroup
	pool := NewPool(1, 4, func(_ context.Context, _ string) error {
		defer wg.Done()
		return errors.New("backend down")
	})
	require.NoError(t, pool.Start(context.Background()))

	wg.Add(2)
	require.NoError(t, pool.Submit("a"))
	require.NoError(t, pool.Submit("b"))
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(2), pool.Stats().Failed)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, int) error { return nil })

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(context.Context, int) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	<-started
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	pool := NewPool(1, 1, func(context.Context, int) error {
		close(started)
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-started

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_NilProcessorPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewPool[int](1, 1, nil)
	})
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	done := make(chan struct{})
	pool := NewPool(1, 2, func(context.Context, int) error {
		close(done)
		return nil
	}, WithMetricsRegistry[int](registry, "zone_loader_pool"))
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	<-done
	require.NoError(t, pool.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["zone_loader_pool_submitted_total"])
	assert.True(t, names["zone_loader_pool_processing_duration_seconds"])
}

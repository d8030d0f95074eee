package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 1000
		var visited [n]atomic.Int32
		var calls atomic.Int32
		pool.ParallelFor(n, func(start, end int) {
			calls.Add(1)
			for ii := start; ii < end; ii++ {
				visited[ii].Add(1)
			}
		})
		for ii := range visited {
			require.Equal(t, int32(1), visited[ii].Load(), "parallelism=%d, index %d", parallelism, ii)
		}
		if parallelism == 3 {
			require.Equal(t, int32(3), calls.Load())
		}
		require.Zero(t, pool.extraParallelism.Load())
	}
}

func TestPool_ParallelForNested(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var total atomic.Int64
	pool.ParallelFor(8, func(start, end int) {
		for range end - start {
			pool.ParallelFor(16, func(s, e int) { total.Add(int64(e - s)) })
		}
	})
	require.Equal(t, int64(8*16), total.Load())
	require.Zero(t, pool.extraParallelism.Load())
}

func TestPool_WorkerIsAsleep(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range goroutineToParallelismRatio {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			<-release
		}))
	}
	require.False(t, pool.StartIfAvailable(func() {}))

	// A sleeping worker lends its slot.
	pool.WorkerIsAsleep()
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(func() {
		defer wg.Done()
		<-release
	}))
	pool.WorkerRestarted()
	require.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())
	require.False(t, pool.StartIfAvailable(func() {}))
}

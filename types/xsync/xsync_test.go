package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	latch := NewLatchWithValue[int]()
	require.False(t, latch.Test())
	var wg sync.WaitGroup
	results := make([]int, 8)
	for ii := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[ii] = latch.Wait()
		}()
	}
	latch.Trigger(7)
	latch.Trigger(11)
	wg.Wait()
	require.True(t, latch.Test())
	for _, r := range results {
		require.Equal(t, 7, r)
	}
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, *LatchWithValue[int]]
	first := NewLatchWithValue[int]()
	got, loaded := m.LoadOrStore("a", first)
	require.False(t, loaded)
	require.Same(t, first, got)
	got, loaded = m.LoadOrStore("a", NewLatchWithValue[int]())
	require.True(t, loaded)
	require.Same(t, first, got)
	got, ok := m.Load("a")
	require.True(t, ok)
	require.Same(t, first, got)
	m.LoadOrStore("b", first)
	require.Equal(t, 2, m.Len())
	m.Clear()
	require.Equal(t, 0, m.Len())
	_, ok = m.Load("a")
	require.False(t, ok)
}

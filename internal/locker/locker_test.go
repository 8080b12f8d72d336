package locker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInProcess_DuplicateAcquireFails(t *testing.T) {
	l := NewInProcess()
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "process-url:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "process-url:1")
	require.NoError(t, err)
	require.False(t, ok)

	release()

	release, ok, err = l.TryAcquire(ctx, "process-url:1")
	require.NoError(t, err)
	require.True(t, ok, "released locks are re-acquirable")
	release()
}

func TestInProcess_NamesAreIndependent(t *testing.T) {
	l := NewInProcess()
	ctx := context.Background()

	r1, ok, err := l.TryAcquire(ctx, "process-url:1")
	require.NoError(t, err)
	require.True(t, ok)
	defer r1()

	r2, ok, err := l.TryAcquire(ctx, "process-url:2")
	require.NoError(t, err)
	require.True(t, ok)
	defer r2()
}

func TestInProcess_SingleWinnerUnderContention(t *testing.T) {
	l := NewInProcess()
	ctx := context.Background()

	const goroutines = 32
	var wins sync.Map
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			if _, ok, err := l.TryAcquire(ctx, "contended"); err == nil && ok {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	var count int
	wins.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 1, count, "exactly one goroutine may hold the lock")
}

package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_SingleCall(t *testing.T) {
	g := New[[]byte]()

	data, shared, err := g.Do(context.Background(), "key1", func(ctx context.Context) ([]byte, error) {
		return []byte("hello"), nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, []byte("hello"), data)
	require.Zero(t, g.InFlight("key1"))
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = g.Do(context.Background(), "shared-key", func(ctx context.Context) (string, error) {
				callCount.Add(1)
				<-release
				return "data", nil
			})
		}(i)
	}

	require.Eventually(t, func() bool { return g.InFlight("shared-key") == 10 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "work should run exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, "data", results[i])
	}
}

func TestDo_CallerTimeoutDoesNotCancelOthers(t *testing.T) {
	g := New[string]()

	var sawCancel atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})

	shortCtx, shortCancel := context.WithCancel(context.Background())
	shortDone := make(chan error, 1)
	go func() {
		_, _, err := g.Do(shortCtx, "timeout-key", func(ctx context.Context) (string, error) {
			close(started)
			select {
			case <-release:
				return "slow", nil
			case <-ctx.Done():
				sawCancel.Store(true)
				return "", ctx.Err()
			}
		})
		shortDone <- err
	}()
	<-started

	longDone := make(chan struct{})
	var result string
	var shared bool
	var err error
	go func() {
		defer close(longDone)
		result, shared, err = g.Do(context.Background(), "timeout-key", func(ctx context.Context) (string, error) {
			t.Error("should not be called, work already in flight")
			return "", nil
		})
	}()
	require.Eventually(t, func() bool { return g.InFlight("timeout-key") == 2 }, time.Second, time.Millisecond)

	shortCancel()
	require.ErrorIs(t, <-shortDone, context.Canceled)

	close(release)
	<-longDone

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, "slow", result)
	require.False(t, sawCancel.Load(), "remaining caller keeps the work alive")
}

func TestDo_LastCallerLeavingCancelsWork(t *testing.T) {
	g := New[string]()

	started := make(chan struct{})
	cancelled := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "abandoned", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return "", ctx.Err()
		})
		done <- err
	}()
	<-started
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("shared work was not cancelled")
	}

	// The key is released, so the next caller starts new work.
	data, shared, err := g.Do(context.Background(), "abandoned", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "fresh", data)
}

func TestDo_Error(t *testing.T) {
	g := New[string]()

	expectedErr := errors.New("upstream unavailable")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = g.Do(context.Background(), "error-key", func(ctx context.Context) (string, error) {
				<-release
				return "", expectedErr
			})
		}(i)
	}
	require.Eventually(t, func() bool { return g.InFlight("error-key") == 5 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = g.Do(context.Background(), key, func(ctx context.Context) (string, error) {
				callCount.Add(1)
				return key, nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own work")
}

func TestDo_SequentialCallsRunAgain(t *testing.T) {
	g := New[int]()

	var callCount atomic.Int32
	fn := func(ctx context.Context) (int, error) {
		return int(callCount.Add(1)), nil
	}

	first, _, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	second, _, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)

	require.Equal(t, 1, first)
	require.Equal(t, 2, second, "completed work is not remembered")
}

func TestForget(t *testing.T) {
	g := New[string]()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "forget", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()
	<-started

	g.Forget("forget")

	data, shared, err := g.Do(context.Background(), "forget", func(ctx context.Context) (string, error) {
		return "new", nil
	})
	close(release)

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "new", data)
}

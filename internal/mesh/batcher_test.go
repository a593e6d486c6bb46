package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherCoalescesToOneCall(t *testing.T) {
	b := NewBatcher(10, 50*time.Millisecond)
	var calls atomic.Int32

	const waiters = 10
	results := make([]any, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Do(context.Background(), "k", func(context.Context) (any, error) {
				calls.Add(1)
				return "shared", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestBatcherFiresOnTimeout(t *testing.T) {
	b := NewBatcher(10, 20*time.Millisecond)
	start := time.Now()
	v, err := b.Do(context.Background(), "k", func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	// A lone caller fires at the timeout, not at the batch size.
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestBatcherSizeOneFiresImmediately(t *testing.T) {
	b := NewBatcher(1, time.Second)
	start := time.Now()
	_, err := b.Do(context.Background(), "k", func(context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBatcherFansOutErrors(t *testing.T) {
	b := NewBatcher(2, 10*time.Millisecond)
	boom := errors.New("boom")

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := b.Do(context.Background(), "k", func(context.Context) (any, error) {
				return nil, boom
			})
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, boom)
	}
}

func TestBatcherCallerCancelDoesNotCancelUpstream(t *testing.T) {
	b := NewBatcher(10, 10*time.Millisecond)
	ran := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Do(ctx, "k", func(runCtx context.Context) (any, error) {
		// The upstream context survives the caller's cancellation.
		assert.NoError(t, runCtx.Err())
		close(ran)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("upstream call never ran")
	}
}

func TestBatcherSeparateKeysSeparateBatches(t *testing.T) {
	b := NewBatcher(10, 10*time.Millisecond)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := b.Do(context.Background(), key, func(context.Context) (any, error) {
				calls.Add(1)
				return key, nil
			})
			require.NoError(t, err)
		}(key)
	}
	wg.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

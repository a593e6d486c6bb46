package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/worthit-bot/worthit/internal/observability"
)

// Batcher coalesces concurrent callers that share a batch key behind one
// upstream call. The first caller opens the batch; the upstream fires once
// the batch reaches its size or its timeout elapses, and the result (or
// error) fans out to every attached waiter.
type Batcher struct {
	mu       sync.Mutex
	inflight map[string]*batch

	size    int
	timeout time.Duration
}

type batch struct {
	mu      sync.Mutex
	waiters int
	fired   bool
	fire    chan struct{}
	done    chan struct{}
	val     any
	err     error
}

// NewBatcher constructs a Batcher; size <= 0 defaults to 10, timeout <= 0
// to 100ms.
func NewBatcher(size int, timeout time.Duration) *Batcher {
	if size <= 0 {
		size = 10
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Batcher{inflight: make(map[string]*batch), size: size, timeout: timeout}
}

// Do attaches the caller to the batch for key, firing fn exactly once per
// batch. A caller whose context ends abandons only its own wait; the
// upstream call runs to completion so peers still observe the result.
func (b *Batcher) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	bt, ok := b.inflight[key]
	if !ok {
		bt = &batch{fire: make(chan struct{}), done: make(chan struct{})}
		b.inflight[key] = bt
		// Detach the upstream from any single caller's cancellation.
		runCtx := context.WithoutCancel(ctx)
		go b.run(runCtx, key, bt, fn)
	}
	b.mu.Unlock()

	bt.mu.Lock()
	bt.waiters++
	if bt.waiters >= b.size && !bt.fired {
		bt.fired = true
		close(bt.fire)
	}
	bt.mu.Unlock()

	select {
	case <-bt.done:
		return bt.val, bt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) run(ctx context.Context, key string, bt *batch, fn func(context.Context) (any, error)) {
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-bt.fire:
	case <-timer.C:
	}

	// Close the window before calling upstream so late arrivals start a
	// fresh batch instead of racing the fan-out.
	b.mu.Lock()
	delete(b.inflight, key)
	b.mu.Unlock()

	bt.mu.Lock()
	waiters := bt.waiters
	bt.mu.Unlock()
	observability.CacheBatchSize.Observe(float64(waiters))

	bt.val, bt.err = fn(ctx)
	close(bt.done)
}

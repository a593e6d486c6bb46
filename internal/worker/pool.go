// Package worker runs the task-processing side: a slot-based pool draining
// the queue, a dispatch table per task type, and retry with re-enqueue for
// transient failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/worthit-bot/worthit/internal/adapter/telegram"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/observability"
)

// Handler processes one task and returns the patch to merge into the
// status record on completion.
type Handler interface {
	Handle(ctx context.Context, t *domain.Task) (patch map[string]any, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *domain.Task) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, t *domain.Task) (map[string]any, error) {
	return f(ctx, t)
}

// Options configure the pool.
type Options struct {
	Slots      int
	RetryDelay time.Duration
	// IdleBackoff paces the loop after queue errors.
	IdleBackoff time.Duration
}

// Pool drains the queue with a fixed number of slots. Each slot is one
// goroutine; a slot processes one task at a time.
type Pool struct {
	queue    domain.Queue
	notifier domain.ChatNotifier
	handlers map[domain.TaskType]Handler
	opts     Options
}

// New builds a Pool; slots <= 0 defaults to 4.
func New(queue domain.Queue, notifier domain.ChatNotifier, opts Options) *Pool {
	if opts.Slots <= 0 {
		opts.Slots = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = time.Second
	}
	return &Pool{
		queue:    queue,
		notifier: notifier,
		handlers: make(map[domain.TaskType]Handler),
		opts:     opts,
	}
}

// Register installs the handler for a task type.
func (p *Pool) Register(taskType domain.TaskType, h Handler) {
	p.handlers[taskType] = h
}

// Run blocks until the context ends, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	log := slog.With(slog.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.IdleBackoff):
			}
			continue
		}
		if t == nil {
			continue
		}
		p.process(ctx, log, t)
	}
}

// process runs the task through its handler with panic isolation and
// decides completion, retry, or terminal failure.
func (p *Pool) process(ctx context.Context, log *slog.Logger, t *domain.Task) {
	log = log.With(slog.String("task_id", t.ID), slog.String("task_type", string(t.Type)))
	start := time.Now()
	observability.StartProcessingTask(string(t.Type))

	h, ok := p.handlers[t.Type]
	if !ok {
		err := fmt.Errorf("%w: no handler for task type %q", domain.ErrValidation, t.Type)
		p.fail(ctx, log, t, err, start)
		return
	}

	patch, err := p.safeHandle(ctx, h, t)
	if err == nil {
		if uerr := p.queue.UpdateStatus(ctx, t.ID, domain.TaskCompleted, patch); uerr != nil {
			log.Error("failed to persist completion", slog.Any("error", uerr))
		}
		observability.CompleteTask(string(t.Type), time.Since(start))
		log.Info("task completed", slog.Duration("elapsed", time.Since(start)))
		return
	}

	if retryable(err) && t.RetryCount < t.MaxRetries {
		p.requeue(ctx, log, t, err, start)
		return
	}
	p.fail(ctx, log, t, err, start)
}

// safeHandle converts handler panics into internal errors so one bad task
// cannot take down a slot.
func (p *Pool) safeHandle(ctx context.Context, h Handler, t *domain.Task) (patch map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task handler panicked",
				slog.String("task_id", t.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: handler panic: %v", domain.ErrInternal, r)
		}
	}()
	return h.Handle(ctx, t)
}

// requeue pushes the task back after a delay with its retry count bumped.
// The delay doubles per attempt from the base, capped at five times base.
func (p *Pool) requeue(ctx context.Context, log *slog.Logger, t *domain.Task, cause error, start time.Time) {
	t.RetryCount++
	delay := p.opts.RetryDelay << (t.RetryCount - 1)
	if limit := p.opts.RetryDelay * 5; delay > limit {
		delay = limit
	}
	log.Warn("task will retry",
		slog.Int("retry", t.RetryCount),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	observability.TasksProcessing.WithLabelValues(string(t.Type)).Dec()

	select {
	case <-ctx.Done():
		// Shutting down; put it back immediately so another worker picks it up.
	case <-time.After(delay):
	}
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.queue.Enqueue(requeueCtx, t); err != nil {
		log.Error("failed to requeue, marking failed", slog.Any("error", err))
		p.persistFailure(requeueCtx, log, t, cause)
		observability.TasksFailedTotal.WithLabelValues(string(t.Type), categorize(cause)).Inc()
	}
}

// fail marks the task terminally failed and notifies the originating chat.
func (p *Pool) fail(ctx context.Context, log *slog.Logger, t *domain.Task, cause error, start time.Time) {
	log.Error("task failed", slog.Any("error", cause), slog.Int("retries", t.RetryCount))
	p.persistFailure(ctx, log, t, cause)
	observability.FailTask(string(t.Type), categorize(cause), time.Since(start))

	if t.ChatID != 0 && p.notifier != nil {
		lang, _ := t.Data["lang"].(string)
		if lang == "" {
			lang = "en"
		}
		msg := telegram.FailureMessage(lang, categorize(cause))
		if err := p.notifier.NotifyText(ctx, t.ChatID, msg); err != nil {
			log.Error("failed to notify chat of failure", slog.Any("error", err))
		}
	}
}

func (p *Pool) persistFailure(ctx context.Context, log *slog.Logger, t *domain.Task, cause error) {
	patch := map[string]any{
		"retry_count": t.RetryCount,
		"error": domain.TaskError{
			Category: categorize(cause),
			Message:  cause.Error(),
		},
	}
	if err := p.queue.UpdateStatus(ctx, t.ID, domain.TaskFailed, patch); err != nil {
		log.Error("failed to persist failure", slog.Any("error", err))
	}
}

// retryable reports whether the error class is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTransient) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrConnectionUnavailable) ||
		errors.Is(err, domain.ErrCircuitOpen) ||
		errors.Is(err, domain.ErrNoHealthyInstance)
}

// categorize maps the error class to the failure category persisted on the
// record and used for the user-visible message.
func categorize(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return domain.FailInvalidURL
	case errors.Is(err, domain.ErrUpstreamAuth):
		return domain.FailAuth
	default:
		return domain.FailOther
	}
}

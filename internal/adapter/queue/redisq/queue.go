// Package redisq implements the task queue on Redis lists with per-task
// status records under task:<id>.
package redisq

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/observability"
	"github.com/worthit-bot/worthit/internal/security"
)

// starvationRatio forces every Nth dequeue to drain the normal class first
// so a steady stream of high-priority tasks cannot starve it.
const starvationRatio = 4

// Options configure a Queue.
type Options struct {
	Name       string
	PopTimeout time.Duration
	MaxRetries int
	Retention  time.Duration
}

// Queue is a two-list FIFO (normal + high) with status records.
type Queue struct {
	mgr    *redisconn.Manager
	signer *security.Signer
	opts   Options
	draws  atomic.Uint64
}

// New constructs a Queue over the shared connection manager. signer may be
// nil to disable record integrity tags.
func New(mgr *redisconn.Manager, signer *security.Signer, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "worthit_tasks"
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	return &Queue{mgr: mgr, signer: signer, opts: opts}
}

func (q *Queue) highKey() string       { return q.opts.Name + "_high" }
func (q *Queue) listFor(p domain.Priority) string {
	if p == domain.PriorityHigh {
		return q.highKey()
	}
	return q.opts.Name
}

func recordKey(id string) string { return "task:" + id }
func sigKey(id string) string    { return "task:" + id + ":sig" }

func urlKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "task_url:" + hex.EncodeToString(sum[:])
}

// Enqueue assigns an id if absent, marks the task pending, and pushes the
// queue entry and the status record in one transaction.
func (q *Queue) Enqueue(ctx domain.Context, t *domain.Task) (string, error) {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityNormal
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.opts.MaxRetries
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = domain.TaskPending

	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue marshal: %w", err)
	}
	rec := domain.TaskRecord{Task: *t}
	recBody, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue marshal record: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.LPush(ctx, q.listFor(t.Priority), body)
	pipe.Set(ctx, recordKey(t.ID), recBody, q.opts.Retention)
	if q.signer != nil {
		pipe.Set(ctx, sigKey(t.ID), q.signer.Tag(recBody), q.opts.Retention)
	}
	if t.Type == domain.TaskProductAnalysis {
		if rawURL, _ := t.Data["url"].(string); rawURL != "" {
			pipe.Set(ctx, urlKey(rawURL), t.ID, q.opts.Retention)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueTask(string(t.Type), string(t.Priority))
	return t.ID, nil
}

// Dequeue blocks on a tail-pop across both priority lists for the pop
// timeout. High is consulted first except on every Nth draw, where normal
// goes first if non-empty. Returns (nil, nil) on timeout.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.Task, error) {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return nil, err
	}

	keys := []string{q.highKey(), q.opts.Name}
	if q.draws.Add(1)%starvationRatio == 0 {
		keys = []string{q.opts.Name, q.highKey()}
	}

	res, err := client.BRPop(ctx, q.opts.PopTimeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.dequeue: %w", err)
	}
	// BRPop returns [key, value].
	var t domain.Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return nil, fmt.Errorf("op=queue.dequeue unmarshal: %w", err)
	}
	if err := q.UpdateStatus(ctx, t.ID, domain.TaskProcessing, nil); err != nil {
		slog.Warn("failed to mark task processing", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	t.Status = domain.TaskProcessing
	return &t, nil
}

// TaskForURL returns the id of the most recent product_analysis task
// submitted for rawURL, or ErrNotFound when none is indexed.
func (q *Queue) TaskForURL(ctx domain.Context, rawURL string) (string, error) {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return "", err
	}
	id, err := client.Get(ctx, urlKey(rawURL)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("op=queue.taskforurl: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=queue.taskforurl: %w", err)
	}
	return id, nil
}

// GetByID returns the current status record for a task.
func (q *Queue) GetByID(ctx domain.Context, id string) (*domain.TaskRecord, error) {
	body, err := q.loadVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("op=queue.get unmarshal: %w", err)
	}
	return &rec, nil
}

// UpdateStatus merges the patch into the stored record. Transitions into a
// terminal state stamp end_time; once terminal, the status never changes
// again and conflicting updates are dropped. An empty patch with the same
// status is a no-op.
func (q *Queue) UpdateStatus(ctx domain.Context, id string, status domain.TaskStatus, patch map[string]any) error {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return err
	}
	body, err := q.loadVerified(ctx, id)
	if err != nil {
		return err
	}
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		return fmt.Errorf("op=queue.update unmarshal: %w", err)
	}

	if cur, _ := rec["status"].(string); domain.TaskStatus(cur).IsTerminal() {
		if string(status) != cur {
			slog.Warn("dropping status update on terminal task",
				slog.String("task_id", id), slog.String("current", cur), slog.String("attempted", string(status)))
		}
		return nil
	}

	now := time.Now().UTC()
	rec["status"] = string(status)
	if status == domain.TaskProcessing {
		if _, ok := rec["start_time"]; !ok {
			rec["start_time"] = now
		}
	}
	if status.IsTerminal() {
		rec["end_time"] = now
	}
	for k, v := range patch {
		rec[k] = v
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=queue.update marshal: %w", err)
	}
	pipe := client.TxPipeline()
	pipe.Set(ctx, recordKey(id), out, redis.KeepTTL)
	if q.signer != nil {
		pipe.Set(ctx, sigKey(id), q.signer.Tag(out), redis.KeepTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.update: %w", err)
	}
	return nil
}

// SweepStuck walks status records and fails any task stuck in processing
// longer than maxAge. Covers workers that died mid-task.
func (q *Queue) SweepStuck(ctx domain.Context, maxAge time.Duration) (int, error) {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return 0, err
	}
	var swept int
	iter := client.Scan(ctx, 0, "task:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > 4 && key[len(key)-4:] == ":sig" {
			continue
		}
		rec, err := q.GetByID(ctx, key[len("task:"):])
		if err != nil || rec == nil {
			continue
		}
		if rec.Status != domain.TaskProcessing || rec.StartTime == nil {
			continue
		}
		if time.Since(*rec.StartTime) < maxAge {
			continue
		}
		patch := map[string]any{"error": domain.TaskError{Category: domain.FailOther, Message: "processing exceeded max age"}}
		if err := q.UpdateStatus(ctx, rec.ID, domain.TaskFailed, patch); err == nil {
			swept++
			slog.Warn("swept stuck task", slog.String("task_id", rec.ID))
		}
	}
	if err := iter.Err(); err != nil {
		return swept, fmt.Errorf("op=queue.sweep: %w", err)
	}
	return swept, nil
}

func (q *Queue) loadVerified(ctx domain.Context, id string) ([]byte, error) {
	client, err := q.mgr.Client(ctx)
	if err != nil {
		return nil, err
	}
	body, err := client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("op=queue.get %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=queue.get: %w", err)
	}
	if q.signer != nil {
		tag, err := client.Get(ctx, sigKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("op=queue.get sig: %w", err)
		}
		if !q.signer.Verify(body, tag) {
			return nil, fmt.Errorf("op=queue.get %s: %w", id, domain.ErrIntegrity)
		}
	}
	return body, nil
}

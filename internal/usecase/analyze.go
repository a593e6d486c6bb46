package usecase

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/worthit-bot/worthit/internal/domain"
)

// urlIndex is implemented by queues that remember the most recent task
// submitted for a product URL.
type urlIndex interface {
	TaskForURL(ctx domain.Context, rawURL string) (string, error)
}

// AnalyzeService creates and enqueues product-analysis tasks for the
// gateway. It also implements domain.TaskSubmitter for the bot layer.
type AnalyzeService struct {
	Queue      domain.Queue
	MaxRetries int
	// ETA is the advertised seconds-until-result for freshly enqueued tasks.
	ETA int
}

// NewAnalyzeService constructs an AnalyzeService with its dependencies.
func NewAnalyzeService(q domain.Queue, maxRetries int) AnalyzeService {
	return AnalyzeService{Queue: q, MaxRetries: maxRetries, ETA: 30}
}

// SubmitURL validates the product URL and enqueues an analysis task.
func (s AnalyzeService) SubmitURL(ctx domain.Context, rawURL string, chatID int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be absolute http(s)", domain.ErrValidation)
	}
	t := &domain.Task{
		Type:       domain.TaskProductAnalysis,
		Data:       map[string]any{"url": rawURL},
		Priority:   domain.PriorityNormal,
		MaxRetries: s.MaxRetries,
		ChatID:     chatID,
		CreatedAt:  time.Now().UTC(),
	}
	return s.Queue.Enqueue(ctx, t)
}

// Submit enqueues an arbitrary task; unknown types are rejected before they
// reach the queue.
func (s AnalyzeService) Submit(ctx domain.Context, t *domain.Task) (string, error) {
	switch t.Type {
	case domain.TaskProductAnalysis, domain.TaskTelegramUpdate:
	default:
		return "", fmt.Errorf("%w: unknown task type %q", domain.ErrValidation, t.Type)
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = s.MaxRetries
	}
	return s.Queue.Enqueue(ctx, t)
}

// CompletedForURL returns the completed record of the most recent task for
// rawURL. Returns (nil, nil) when the queue keeps no URL index, the URL was
// never analyzed, or the last task is not completed.
func (s AnalyzeService) CompletedForURL(ctx domain.Context, rawURL string) (*domain.TaskRecord, error) {
	idx, ok := s.Queue.(urlIndex)
	if !ok {
		return nil, nil
	}
	id, err := idx.TaskForURL(ctx, rawURL)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rec, err := s.Queue.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Status != domain.TaskCompleted {
		return nil, nil
	}
	return rec, nil
}

// Status looks up the status record for a task id.
func (s AnalyzeService) Status(ctx domain.Context, id string) (*domain.TaskRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id required", domain.ErrValidation)
	}
	return s.Queue.GetByID(ctx, id)
}

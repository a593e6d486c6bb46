package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/worthit-bot/worthit/internal/adapter/telegram"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/usecase"
)

// Service names as registered in the mesh.
const (
	ServiceScraper   = "scraper"
	ServiceInference = "inference"
)

// AnalysisHandler runs one product_analysis task end to end: scrape, score
// the reviews, compute the value score, persist the result, and reply to
// the originating chat.
type AnalysisHandler struct {
	Mesh      *mesh.Mesh
	Scraper   domain.ProductScraper
	Sentiment domain.SentimentAnalyzer
	Insights  domain.InsightExtractor
	Notifier  domain.ChatNotifier

	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Handle implements the worker Handler.
func (h *AnalysisHandler) Handle(ctx context.Context, t *domain.Task) (map[string]any, error) {
	rawURL, _ := t.Data["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: task has no url", domain.ErrValidation)
	}

	var product *domain.Product
	err := h.callUpstream(ctx, ServiceScraper, func(cctx context.Context, inst *mesh.Instance) error {
		p, err := h.Scraper.Scrape(cctx, inst.BaseURL(), rawURL)
		if err != nil {
			return err
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=analysis.scrape: %w", err)
	}

	sentiment := 3.0
	var pros, cons []string
	if len(product.Reviews) > 0 {
		err = h.callUpstream(ctx, ServiceInference, func(cctx context.Context, inst *mesh.Instance) error {
			s, err := h.Sentiment.Sentiment(cctx, inst.BaseURL(), product.Reviews)
			if err != nil {
				return err
			}
			sentiment = s
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("op=analysis.sentiment: %w", err)
		}
		err = h.callUpstream(ctx, ServiceInference, func(cctx context.Context, inst *mesh.Instance) error {
			p, c, err := h.Insights.ProsCons(cctx, inst.BaseURL(), product.Reviews)
			if err != nil {
				return err
			}
			pros, cons = p, c
			return nil
		})
		if err != nil {
			// Pros/cons are decoration; the report still stands without them.
			slog.Warn("insight extraction failed, continuing without pros/cons",
				slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}

	reviewCount := product.ReviewCount
	if reviewCount == 0 {
		reviewCount = len(product.Reviews)
	}
	confidence := usecase.ReviewConfidence(reviewCount)
	price := usecase.ParsePrice(product.Price)
	score := usecase.ValueScore(price, len(product.Features), sentiment, product.Rating, confidence)

	result := &domain.AnalysisResult{
		Title:          product.Title,
		Price:          product.Price,
		ValueScore:     score,
		Recommendation: usecase.Recommendation(score),
		Pros:           pros,
		Cons:           cons,
		Sentiment:      sentiment,
		ReviewCount:    reviewCount,
	}

	if t.ChatID != 0 && h.Notifier != nil {
		if err := h.Notifier.NotifyText(ctx, t.ChatID, telegram.FormatAnalysis(result)); err != nil {
			slog.Error("failed to deliver analysis report",
				slog.String("task_id", t.ID), slog.Int64("chat_id", t.ChatID), slog.Any("error", err))
		}
	}
	return map[string]any{"result": result}, nil
}

// callUpstream runs the call through the mesh with bounded exponential
// backoff. Permanent error classes stop the retry loop immediately.
func (h *AnalysisHandler) callUpstream(ctx context.Context, service string, call func(ctx context.Context, inst *mesh.Instance) error) error {
	initial := h.RetryInitial
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxDelay := h.RetryMax
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		err := h.Mesh.Execute(ctx, service, mesh.LeastConnections, call)
		if err == nil {
			return nil
		}
		if permanent(err) || attempts >= 3 {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// permanent reports error classes where another attempt cannot help.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrUpstreamAuth) ||
		errors.Is(err, domain.ErrUpstreamPermanent)
}

// UpdateHandler replays a webhook payload through the bot dispatcher.
type UpdateHandler struct {
	Bot *telegram.Bot
}

// Handle implements the worker Handler.
func (h *UpdateHandler) Handle(ctx context.Context, t *domain.Task) (map[string]any, error) {
	raw, ok := t.Data["update"]
	if !ok {
		return nil, fmt.Errorf("%w: task has no update payload", domain.ErrValidation)
	}
	// The payload round-trips through the queue as a generic map.
	body, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: update payload: %v", domain.ErrValidation, err)
	}
	u, err := telegram.ParseUpdate(body)
	if err != nil {
		return nil, fmt.Errorf("%w: update payload: %v", domain.ErrValidation, err)
	}
	if err := h.Bot.HandleUpdate(ctx, u); err != nil {
		return nil, fmt.Errorf("op=update.handle: %w", err)
	}
	return nil, nil
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/worthit-bot/worthit/internal/domain"
)

// Bot turns incoming updates into pipeline tasks and immediate replies.
// Commands and acknowledgements are answered inline; product links become
// product_analysis tasks whose results arrive asynchronously.
type Bot struct {
	submitter domain.TaskSubmitter
	notifier  domain.ChatNotifier
}

// NewBot wires the dispatcher.
func NewBot(submitter domain.TaskSubmitter, notifier domain.ChatNotifier) *Bot {
	return &Bot{submitter: submitter, notifier: notifier}
}

// HandleUpdate dispatches one update. Updates without a chat are dropped
// with a log line; reply failures surface to the caller for retry.
func (b *Bot) HandleUpdate(ctx context.Context, u *Update) error {
	chatID := u.ChatID()
	if chatID == 0 {
		slog.Warn("update without chat, dropping", slog.Int64("update_id", u.UpdateID))
		return nil
	}
	lang := u.LanguageCode()
	switch {
	case u.CallbackQuery != nil:
		return b.handleCallback(ctx, chatID, lang, u.CallbackQuery)
	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		return b.handleCommand(ctx, chatID, u.Message.Text)
	case u.Message != nil:
		return b.handleText(ctx, chatID, lang, u.Message.Text)
	default:
		slog.Warn("unsupported update kind, dropping", slog.Int64("update_id", u.UpdateID))
		return nil
	}
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, text string) error {
	cmd := strings.Fields(text)[0]
	// Group chats address commands as /cmd@botname.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	switch cmd {
	case "/start":
		return b.notifier.NotifyText(ctx, chatID, startMessage)
	case "/help":
		return b.notifier.NotifyText(ctx, chatID, helpMessage)
	default:
		return b.notifier.NotifyText(ctx, chatID, helpMessage)
	}
}

func (b *Bot) handleText(ctx context.Context, chatID int64, lang, text string) error {
	url := extractURL(text)
	if url == "" {
		return b.notifier.NotifyText(ctx, chatID, FailureMessage(lang, domain.FailInvalidURL))
	}
	return b.submitAnalysis(ctx, chatID, lang, url)
}

// handleCallback treats callback payloads of the form "analyze:<url>" as a
// re-run request; anything else gets the help text.
func (b *Bot) handleCallback(ctx context.Context, chatID int64, lang string, cb *CallbackQuery) error {
	if url, ok := strings.CutPrefix(cb.Data, "analyze:"); ok {
		return b.submitAnalysis(ctx, chatID, lang, url)
	}
	return b.notifier.NotifyText(ctx, chatID, helpMessage)
}

func (b *Bot) submitAnalysis(ctx context.Context, chatID int64, lang, url string) error {
	task := &domain.Task{
		Type:     domain.TaskProductAnalysis,
		Priority: domain.PriorityNormal,
		ChatID:   chatID,
		Data: map[string]any{
			"url":  url,
			"lang": lang,
		},
	}
	id, err := b.submitter.Submit(ctx, task)
	if err != nil {
		if nerr := b.notifier.NotifyText(ctx, chatID, FailureMessage(lang, categorize(err))); nerr != nil {
			slog.Error("failed to notify chat of submit error", slog.Int64("chat_id", chatID), slog.Any("error", nerr))
		}
		return fmt.Errorf("op=bot.submitAnalysis: %w", err)
	}
	slog.Info("analysis task submitted", slog.String("task_id", id), slog.Int64("chat_id", chatID))
	return b.notifier.NotifyText(ctx, chatID, ackMessage)
}

// categorize maps an error onto a failure-message category.
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

// extractURL returns the first http(s) token in the text.
func extractURL(text string) string {
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			return field
		}
	}
	return ""
}

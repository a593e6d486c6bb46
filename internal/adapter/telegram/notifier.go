package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/worthit-bot/worthit/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier sends chat messages through the Bot API.
type Notifier struct {
	httpClient *http.Client
	apiBase    string
	token      string
}

// NewNotifier builds a Notifier; apiBase is overridable for tests and
// defaults to the public Bot API.
func NewNotifier(token, apiBase string, timeout time.Duration) *Notifier {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiBase: apiBase,
		token:   token,
	}
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// NotifyText delivers a plain-text message to chatID.
func (n *Notifier) NotifyText(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("op=telegram.NotifyText marshal: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=telegram.NotifyText request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=telegram.NotifyText: %w: %v", domain.ErrUpstreamTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("op=telegram.NotifyText read: %w: %v", domain.ErrUpstreamTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("op=telegram.NotifyText: %w: status %d", domain.ErrUpstreamAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("op=telegram.NotifyText: %w: status %d", domain.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("op=telegram.NotifyText: %w: status %d", domain.ErrUpstreamPermanent, resp.StatusCode)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("op=telegram.NotifyText decode: %w: %v", domain.ErrUpstreamPermanent, err)
	}
	if !parsed.OK {
		return fmt.Errorf("op=telegram.NotifyText: %w: %s", domain.ErrUpstreamPermanent, parsed.Description)
	}
	return nil
}

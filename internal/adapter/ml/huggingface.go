// Package ml scores review text through the Hugging Face inference API.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/worthit-bot/worthit/internal/domain"
)

const (
	sentimentModel = "nlptown/bert-base-multilingual-uncased-sentiment"
	// maxReviewChars keeps each input under the model's sequence limit.
	maxReviewChars = 512
	maxInsights    = 3
)

// Client calls hosted inference endpoints. The base URL is supplied per
// call so requests route through mesh-selected instances.
type Client struct {
	httpClient *http.Client
	token      string
}

// New constructs a Client with a traced transport.
func New(token string, timeout, connectTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		token: token,
	}
}

// scoredLabel is one candidate from the classification head.
type scoredLabel struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Sentiment averages the star rating the model assigns to each review and
// returns it on the 1..5 scale. No reviews means a neutral 3.
func (c *Client) Sentiment(ctx context.Context, baseURL string, reviews []string) (float64, error) {
	if len(reviews) == 0 {
		return 3, nil
	}
	stars, err := c.classify(ctx, baseURL, reviews)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, s := range stars {
		sum += s
	}
	return sum / float64(len(stars)), nil
}

// ProsCons splits reviews by their star rating: strongly positive reviews
// contribute pros, strongly negative ones cons, each trimmed to a short
// excerpt and capped at three per side.
func (c *Client) ProsCons(ctx context.Context, baseURL string, reviews []string) (pros, cons []string, err error) {
	if len(reviews) == 0 {
		return nil, nil, nil
	}
	stars, err := c.classify(ctx, baseURL, reviews)
	if err != nil {
		return nil, nil, err
	}
	for i, s := range stars {
		excerpt := excerpt(reviews[i])
		if excerpt == "" {
			continue
		}
		switch {
		case s >= 4 && len(pros) < maxInsights:
			pros = append(pros, excerpt)
		case s <= 2 && len(cons) < maxInsights:
			cons = append(cons, excerpt)
		}
	}
	return pros, cons, nil
}

// classify returns the top-scoring star rating for every review.
func (c *Client) classify(ctx context.Context, baseURL string, reviews []string) ([]float64, error) {
	inputs := make([]string, len(reviews))
	for i, r := range reviews {
		if len(r) > maxReviewChars {
			r = r[:maxReviewChars]
		}
		inputs[i] = r
	}
	payload, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return nil, fmt.Errorf("op=ml.classify marshal: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s", baseURL, sentimentModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=ml.classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=ml.classify: %w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("op=ml.classify: %w: %v", domain.ErrUpstreamTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("op=ml.classify read: %w: %v", domain.ErrUpstreamTransient, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("op=ml.classify: %w", err)
	}

	var out [][]scoredLabel
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("op=ml.classify decode: %w: %v", domain.ErrUpstreamPermanent, err)
	}
	if len(out) != len(reviews) {
		return nil, fmt.Errorf("op=ml.classify: %w: got %d results for %d inputs", domain.ErrUpstreamPermanent, len(out), len(reviews))
	}
	stars := make([]float64, len(out))
	for i, candidates := range out {
		stars[i] = topStars(candidates)
	}
	return stars, nil
}

// topStars picks the highest-scoring label and parses its leading star
// count; unparseable labels count as neutral.
func topStars(candidates []scoredLabel) float64 {
	best := scoredLabel{Score: -1}
	for _, cand := range candidates {
		if cand.Score > best.Score {
			best = cand
		}
	}
	fields := strings.Fields(best.Label)
	if len(fields) == 0 {
		return 3
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || n < 1 || n > 5 {
		return 3
	}
	return n
}

// classifyStatus maps inference API statuses onto the error taxonomy. 503
// covers cold model loads and is retryable like the rest of the 5xx range.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamAuth, status)
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", domain.ErrValidation, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamTransient, status)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamPermanent, status)
	}
}

// excerpt trims a review to a single short sentence for display.
func excerpt(review string) string {
	review = strings.TrimSpace(review)
	if idx := strings.IndexAny(review, ".!?\n"); idx > 0 {
		review = review[:idx]
	}
	if len(review) > 80 {
		review = review[:80] + "..."
	}
	return strings.TrimSpace(review)
}

// Package scraper resolves product URLs to structured product data through
// the Apify actor API.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/worthit-bot/worthit/internal/domain"
)

const defaultActor = "web-scraper"

// Client calls the Apify run-sync endpoint. The base URL is supplied per
// call so requests route through mesh-selected instances.
type Client struct {
	httpClient *http.Client
	token      string
	actor      string
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
		actor: defaultActor,
	}
}

type runInput struct {
	StartURLs []startURL `json:"startUrls"`
}

type startURL struct {
	URL string `json:"url"`
}

// item mirrors one dataset row returned by the actor.
type item struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Price       string   `json:"price"`
	Features    []string `json:"features"`
	Reviews     []string `json:"reviews"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
}

// Scrape runs the actor synchronously against productURL and maps the first
// dataset item to a Product.
func (c *Client) Scrape(ctx context.Context, baseURL, productURL string) (*domain.Product, error) {
	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items", baseURL, c.actor)
	payload, err := json.Marshal(runInput{StartURLs: []startURL{{URL: productURL}}})
	if err != nil {
		return nil, fmt.Errorf("op=scraper.Scrape marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("op=scraper.Scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=scraper.Scrape: %w: %v", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("op=scraper.Scrape: %w: %v", domain.ErrUpstreamTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("op=scraper.Scrape read: %w: %v", domain.ErrUpstreamTransient, err)
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("op=scraper.Scrape: %w", err)
	}

	var items []item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("op=scraper.Scrape decode: %w: %v", domain.ErrUpstreamPermanent, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("op=scraper.Scrape: %w: empty dataset for %s", domain.ErrValidation, productURL)
	}
	it := items[0]
	return &domain.Product{
		URL:         firstNonEmpty(it.URL, productURL),
		Title:       it.Title,
		Price:       it.Price,
		Features:    it.Features,
		Reviews:     it.Reviews,
		Rating:      it.Rating,
		ReviewCount: it.ReviewCount,
	}, nil
}

// classifyStatus maps upstream HTTP statuses onto the error taxonomy so the
// worker can decide retry vs give-up.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamAuth, status)
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", domain.ErrValidation, status, truncate(body, 200))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamTransient, status)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamPermanent, status, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package cache

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/observability"
)

// Middleware caches successful responses to safe requests. Store failures
// never reach the client; the middleware degrades to pass-through.
type Middleware struct {
	store *Store
	// group coalesces concurrent misses per fingerprint: identical requests
	// arriving within the batch window share one upstream fetch.
	group     *mesh.Batcher
	analytics *Analytics
}

// NewMiddleware builds the middleware over a Store.
func NewMiddleware(store *Store) *Middleware {
	return &Middleware{
		store:     store,
		group:     mesh.NewBatcher(10, 100*time.Millisecond),
		analytics: NewAnalytics(),
	}
}

// Analytics exposes the hit/miss tracker for the warm-up loop and the
// health endpoint.
func (m *Middleware) Analytics() *Analytics { return m.analytics }

// captured is the buffered response fanned out to coalesced waiters.
type captured struct {
	status      int
	contentType string
	body        []byte
}

// Handler wraps next with the cache. Only GET requests are cacheable.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		fp := Fingerprint(r.URL.Path, r.URL.Query())

		body, contentType, hit, err := m.store.Get(r.Context(), fp)
		if err != nil {
			slog.Error("cache lookup failed, passing through", slog.String("path", r.URL.Path), slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if hit {
			m.analytics.RecordHit(r.URL.Path, time.Since(start))
			observability.CacheHitsTotal.WithLabelValues(r.URL.Path).Inc()
			writeCached(w, http.StatusOK, contentType, body, "HIT")
			return
		}

		m.analytics.RecordMiss(r.URL.Path, 0)
		observability.CacheMissesTotal.WithLabelValues(r.URL.Path).Inc()

		res, err := m.group.Do(r.Context(), fp, func(runCtx context.Context) (any, error) {
			got := m.fetch(r.WithContext(runCtx), next)
			// Hits replay as 200, so only plain 200 responses are stored;
			// other success codes (204, 206) would change meaning on replay.
			if got.status == http.StatusOK {
				if err := m.store.Set(runCtx, fp, got.body, got.contentType); err != nil {
					slog.Error("cache store failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
			}
			return got, nil
		})
		if err != nil {
			// Caller's own context ended while waiting; nothing to write.
			return
		}
		got := res.(*captured)
		m.analytics.RecordResponseTime(time.Since(start))
		writeCached(w, got.status, got.contentType, got.body, "MISS")
	})
}

// fetch runs the downstream handler against a buffering writer.
func (m *Middleware) fetch(r *http.Request, next http.Handler) *captured {
	rec := &recorder{status: http.StatusOK, header: make(http.Header)}
	next.ServeHTTP(rec, r)
	contentType := rec.header.Get("Content-Type")
	if contentType == "" && len(rec.body) > 0 {
		contentType = mimetype.Detect(rec.body).String()
	}
	return &captured{status: rec.status, contentType: contentType, body: rec.body}
}

func writeCached(w http.ResponseWriter, status int, contentType string, body []byte, verdict string) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("X-Cache", verdict)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// recorder buffers the downstream response.
type recorder struct {
	status int
	header http.Header
	body   []byte
	mu     sync.Mutex
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *recorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	r.body = append(r.body, b...)
	r.mu.Unlock()
	return len(b), nil
}

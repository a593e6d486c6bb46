package cache

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// warmMinSamples is the minimum traffic per path before its miss ratio
	// is trusted.
	warmMinSamples = 10
	// warmMissThreshold triggers warming once the miss ratio exceeds it.
	warmMissThreshold = 0.30
)

// Analytics tracks per-path cache effectiveness for the warm-up loop and
// the health endpoint.
type Analytics struct {
	mu    sync.Mutex
	paths map[string]*pathStats

	responseCount int64
	responseTotal time.Duration
}

type pathStats struct {
	hits   int64
	misses int64
}

// NewAnalytics builds an empty tracker.
func NewAnalytics() *Analytics {
	return &Analytics{paths: make(map[string]*pathStats)}
}

func (a *Analytics) stats(path string) *pathStats {
	st, ok := a.paths[path]
	if !ok {
		st = &pathStats{}
		a.paths[path] = st
	}
	return st
}

// RecordHit counts a cache hit on path.
func (a *Analytics) RecordHit(path string, elapsed time.Duration) {
	a.mu.Lock()
	a.stats(path).hits++
	a.responseCount++
	a.responseTotal += elapsed
	a.mu.Unlock()
}

// RecordMiss counts a cache miss on path.
func (a *Analytics) RecordMiss(path string, elapsed time.Duration) {
	a.mu.Lock()
	a.stats(path).misses++
	a.mu.Unlock()
}

// RecordResponseTime folds an end-to-end miss latency into the average.
func (a *Analytics) RecordResponseTime(elapsed time.Duration) {
	a.mu.Lock()
	a.responseCount++
	a.responseTotal += elapsed
	a.mu.Unlock()
}

// MissRatio returns the path's miss ratio and whether it has enough
// samples to be meaningful.
func (a *Analytics) MissRatio(path string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.paths[path]
	if !ok {
		return 0, false
	}
	total := st.hits + st.misses
	if total < warmMinSamples {
		return 0, false
	}
	return float64(st.misses) / float64(total), true
}

// Snapshot reports aggregate numbers for the health endpoint.
func (a *Analytics) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	var hits, misses int64
	for _, st := range a.paths {
		hits += st.hits
		misses += st.misses
	}
	avg := time.Duration(0)
	if a.responseCount > 0 {
		avg = a.responseTotal / time.Duration(a.responseCount)
	}
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return map[string]any{
		"hits":            hits,
		"misses":          misses,
		"hit_ratio":       ratio,
		"avg_response_ms": avg.Milliseconds(),
		"paths_tracked":   len(a.paths),
	}
}

// Warmer periodically re-primes paths whose miss ratio climbed past the
// threshold by replaying a synthetic GET through the cached handler.
type Warmer struct {
	analytics *Analytics
	handler   http.Handler
	interval  time.Duration

	mu     sync.Mutex
	warmed map[string]time.Time
}

// NewWarmer builds a warmer over the already-wrapped handler; interval <= 0
// defaults to 60s.
func NewWarmer(analytics *Analytics, handler http.Handler, interval time.Duration) *Warmer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Warmer{
		analytics: analytics,
		handler:   handler,
		interval:  interval,
		warmed:    make(map[string]time.Time),
	}
}

// Run sweeps until the context ends.
func (w *Warmer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Warmer) sweep(ctx context.Context) {
	w.analytics.mu.Lock()
	paths := make([]string, 0, len(w.analytics.paths))
	for path := range w.analytics.paths {
		paths = append(paths, path)
	}
	w.analytics.mu.Unlock()

	for _, path := range paths {
		ratio, enough := w.analytics.MissRatio(path)
		if !enough || ratio <= warmMissThreshold {
			continue
		}
		w.mu.Lock()
		last, seen := w.warmed[path]
		recent := seen && time.Since(last) < w.interval
		if !recent {
			w.warmed[path] = time.Now()
		}
		w.mu.Unlock()
		if recent {
			continue
		}
		w.warm(ctx, path)
	}
}

// warm replays the path through the handler so the next real request hits.
// The response body is discarded; only the store side effect matters.
func (w *Warmer) warm(ctx context.Context, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return
	}
	sink := &statusSink{header: make(http.Header)}
	w.handler.ServeHTTP(sink, req)
	slog.Info("cache warm-up",
		slog.String("path", path),
		slog.Int("status", sink.Status()))
}

// statusSink is a ResponseWriter that keeps the status and drops the body.
type statusSink struct {
	header http.Header

	mu     sync.Mutex
	status int
}

func (s *statusSink) Header() http.Header { return s.header }

func (s *statusSink) WriteHeader(status int) {
	s.mu.Lock()
	if s.status == 0 {
		s.status = status
	}
	s.mu.Unlock()
}

func (s *statusSink) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return len(b), nil
}

func (s *statusSink) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

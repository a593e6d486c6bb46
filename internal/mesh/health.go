package mesh

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker probes registered instances over their health paths and
// flips status between healthy and unhealthy. Circuit-broken instances are
// left to the breaker's own recovery.
type HealthChecker struct {
	reg      *Registry
	client   *http.Client
	interval time.Duration
}

// NewHealthChecker builds a checker; interval <= 0 defaults to 30s.
func NewHealthChecker(reg *Registry, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		reg:      reg,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
	}
}

// Run probes until the context ends.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *HealthChecker) sweep(ctx context.Context) {
	now := time.Now().UTC()
	for _, service := range h.reg.Services() {
		for _, inst := range h.reg.Instances(service) {
			if inst.HealthPath == "" {
				inst.markHealthCheck(now, true)
				continue
			}
			healthy := h.probe(ctx, inst)
			inst.markHealthCheck(now, healthy)
			if !healthy {
				slog.Warn("instance unhealthy", slog.String("instance", inst.ID()))
			}
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context, inst *Instance) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL()+inst.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

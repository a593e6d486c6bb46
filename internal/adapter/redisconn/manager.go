// Package redisconn owns the pooled connection to the shared key/value
// store. One Manager per process; queue, cache, and workers all borrow the
// same client through it.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/observability"
)

const (
	connectAttempts    = 5
	connectInitialWait = 4 * time.Second
	connectMaxWait     = 30 * time.Second

	healthFailureLimit  = 3
	recoverInitialWait  = time.Second
	recoverAttempts     = 3
	shutdownStepTimeout = 5 * time.Second
)

// Options configure a Manager independently from the full app config so
// tests can construct one directly.
type Options struct {
	URL                 string
	ForceSSL            bool
	CommandTimeout      time.Duration
	HealthCheckInterval time.Duration
	PoolRecycleInterval time.Duration
}

// Manager owns the pooled client, its health loop, and recovery.
type Manager struct {
	opts Options
	ropt *redis.Options

	mu             sync.RWMutex
	client         *redis.Client
	healthFailures int

	metrics metrics

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

// New parses the store URL and prepares a Manager. The scheme is upgraded
// to rediss:// when SSL is required; the TLS option is never set alongside
// the SSL scheme, the scheme alone carries it.
func New(opts Options) (*Manager, error) {
	url := opts.URL
	if opts.ForceSSL && strings.HasPrefix(url, "redis://") {
		url = "rediss://" + strings.TrimPrefix(url, "redis://")
	}
	ropt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", domain.ErrConfig, err)
	}
	if opts.CommandTimeout > 0 {
		ropt.ReadTimeout = opts.CommandTimeout
		ropt.WriteTimeout = opts.CommandTimeout
	}
	// Idle recycling is native to the pool; the recycle loop only sweeps stats.
	ropt.ConnMaxIdleTime = 5 * time.Minute
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.PoolRecycleInterval <= 0 {
		opts.PoolRecycleInterval = 5 * time.Minute
	}
	return &Manager{opts: opts, ropt: ropt}, nil
}

// Start launches the background health-check and pool-recycle loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.healthLoop(ctx)
	go m.recycleLoop(ctx)
}

// Client returns a ready client, dialing with bounded retry on first use.
// Safe to call concurrently; all callers share one pooled client.
func (m *Manager) Client(ctx context.Context) (*redis.Client, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = connectInitialWait
	expo.MaxInterval = connectMaxWait
	expo.MaxElapsedTime = 0
	var client *redis.Client
	op := func() error {
		client = m.build()
		pingCtx, cancel := context.WithTimeout(ctx, m.commandTimeout())
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(expo, ctx), connectAttempts-1)); err != nil {
		m.metrics.recordError(err)
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
	}
	m.client = client
	return m.client, nil
}

func (m *Manager) build() *redis.Client {
	c := redis.NewClient(m.ropt)
	c.AddHook(latencyHook{m: &m.metrics})
	return c
}

func (m *Manager) commandTimeout() time.Duration {
	if m.opts.CommandTimeout > 0 {
		return m.opts.CommandTimeout
	}
	return 15 * time.Second
}

// HealthCheck pings the store once and feeds the failure counter. Exposed
// for readiness probes.
func (m *Manager) HealthCheck(ctx context.Context) error {
	client, err := m.Client(ctx)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.commandTimeout())
	defer cancel()
	err = client.Ping(pingCtx).Err()
	m.metrics.recordHealthCheck(time.Now().UTC())
	if err != nil {
		m.metrics.recordError(err)
	}
	return err
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.HealthCheck(ctx); err != nil {
				m.mu.Lock()
				m.healthFailures++
				failures := m.healthFailures
				m.mu.Unlock()
				slog.Warn("store health check failed",
					slog.Int("consecutive", failures), slog.Any("error", err))
				if failures >= healthFailureLimit {
					m.recover(ctx)
				}
			} else {
				m.mu.Lock()
				m.healthFailures = 0
				m.mu.Unlock()
			}
		}
	}
}

// recover closes and rebuilds the client with exponential backoff
// (1s, 2s, 4s; three attempts). Counters reset on success.
func (m *Manager) recover(ctx context.Context) {
	m.metrics.recoveryAttempts.Add(1)

	m.mu.Lock()
	old := m.client
	m.client = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = recoverInitialWait
	expo.Multiplier = 2
	expo.MaxInterval = 4 * time.Second
	expo.MaxElapsedTime = 0

	var client *redis.Client
	op := func() error {
		client = m.build()
		pingCtx, cancel := context.WithTimeout(ctx, m.commandTimeout())
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return err
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(expo, ctx), recoverAttempts-1))
	if err != nil {
		m.metrics.recordError(err)
		slog.Error("store recovery exhausted", slog.Any("error", err))
		return
	}

	m.mu.Lock()
	m.client = client
	m.healthFailures = 0
	m.mu.Unlock()
	m.metrics.successfulRecoveries.Add(1)
	observability.RedisRecoveriesTotal.Inc()
	slog.Info("store connection rebuilt")
}

func (m *Manager) recycleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PoolRecycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			client := m.client
			m.mu.RUnlock()
			if client == nil {
				continue
			}
			stats := client.PoolStats()
			slog.Debug("store pool recycled",
				slog.Uint64("total_conns", uint64(stats.TotalConns)),
				slog.Uint64("idle_conns", uint64(stats.IdleConns)),
				slog.Uint64("stale_conns", uint64(stats.StaleConns)))
		}
	}
}

// Shutdown cancels background loops and drains the pool. Safe to call once;
// later calls are no-ops.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		done := make(chan struct{})
		go func() { m.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(shutdownStepTimeout):
			slog.Warn("store background loops did not stop in time")
		}

		m.mu.Lock()
		client := m.client
		m.client = nil
		m.mu.Unlock()
		if client != nil {
			closed := make(chan error, 1)
			go func() { closed <- client.Close() }()
			select {
			case err = <-closed:
			case <-time.After(shutdownStepTimeout):
				err = fmt.Errorf("op=redisconn.Shutdown: %w", domain.ErrTimeout)
			}
		}
	})
	return err
}

// Metrics returns a snapshot of the rolling counters.
func (m *Manager) Metrics() Snapshot { return m.metrics.snapshot() }

// isRetryable classifies connection, timeout, and OS-level network errors
// as retryable; anything else propagates.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "pool timeout")
}

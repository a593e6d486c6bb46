package redisconn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/worthit-bot/worthit/internal/observability"
)

// metrics holds rolling counters for the connection manager. Snapshot is
// the exported read view consumed by the health tier.
type metrics struct {
	connectionAttempts   atomic.Int64
	connectionFailures   atomic.Int64
	commandsTotal        atomic.Int64
	commandLatencyNanos  atomic.Int64
	successfulRecoveries atomic.Int64
	recoveryAttempts     atomic.Int64

	mu              sync.Mutex
	lastError       string
	lastHealthCheck time.Time
}

// Snapshot is a point-in-time copy of the manager's metrics.
type Snapshot struct {
	ConnectionAttempts   int64     `json:"connection_attempts"`
	ConnectionFailures   int64     `json:"connection_failures"`
	CommandsTotal        int64     `json:"commands_total"`
	AvgCommandLatency    float64   `json:"avg_command_latency_ms"`
	SuccessfulRecoveries int64     `json:"successful_recoveries"`
	RecoveryAttempts     int64     `json:"recovery_attempts"`
	LastError            string    `json:"last_error,omitempty"`
	LastHealthCheck      time.Time `json:"last_health_check"`
}

func (m *metrics) recordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *metrics) recordHealthCheck(t time.Time) {
	m.mu.Lock()
	m.lastHealthCheck = t
	m.mu.Unlock()
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	lastErr, lastHC := m.lastError, m.lastHealthCheck
	m.mu.Unlock()
	total := m.commandsTotal.Load()
	var avg float64
	if total > 0 {
		avg = float64(m.commandLatencyNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	return Snapshot{
		ConnectionAttempts:   m.connectionAttempts.Load(),
		ConnectionFailures:   m.connectionFailures.Load(),
		CommandsTotal:        total,
		AvgCommandLatency:    avg,
		SuccessfulRecoveries: m.successfulRecoveries.Load(),
		RecoveryAttempts:     m.recoveryAttempts.Load(),
		LastError:            lastErr,
		LastHealthCheck:      lastHC,
	}
}

// latencyHook records per-command latency into the rolling counters and the
// Prometheus histogram. Registered on every client the manager builds.
type latencyHook struct{ m *metrics }

func (h latencyHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		h.m.connectionAttempts.Add(1)
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.m.connectionFailures.Add(1)
			h.m.recordError(err)
		}
		return conn, err
	}
}

func (h latencyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		dur := time.Since(start)
		h.m.commandsTotal.Add(1)
		h.m.commandLatencyNanos.Add(int64(dur))
		observability.RedisCommandDuration.Observe(dur.Seconds())
		if err != nil && err != redis.Nil {
			h.m.recordError(err)
		}
		return err
	}
}

func (h latencyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		dur := time.Since(start)
		h.m.commandsTotal.Add(int64(len(cmds)))
		h.m.commandLatencyNanos.Add(int64(dur))
		observability.RedisCommandDuration.Observe(dur.Seconds())
		if err != nil {
			h.m.recordError(err)
		}
		return err
	}
}

package mesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/worthit-bot/worthit/internal/observability"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is rejecting requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery with limited requests.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig carries the trip and reset thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that trip the circuit
	SuccessThreshold int           // half-open successes that close it
	ResetTimeout     time.Duration // open duration before probing
	WindowSize       int           // sliding window sample cap
	WindowAge        time.Duration // sliding window time cap
	WindowMinSamples int           // samples required before the rate trips
	WindowErrorRate  float64
}

// DefaultBreakerConfig matches the service-mesh defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		WindowSize:       100,
		WindowAge:        60 * time.Second,
		WindowMinSamples: 20,
		WindowErrorRate:  0.5,
	}
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker is the per-service-id circuit state machine. All transitions are
// serialized under its mutex, so concurrent reports are totally ordered.
type Breaker struct {
	mu  sync.Mutex
	id  string
	cfg BreakerConfig

	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	lastFailure         time.Time
	lastStateChange     time.Time
	recoveryAttempts    int
	window              []sample

	now func() time.Time
}

// NewBreaker creates a closed breaker for a service id.
func NewBreaker(id string, cfg BreakerConfig) *Breaker {
	return &Breaker{id: id, cfg: cfg, state: CircuitClosed, lastStateChange: time.Now(), now: time.Now}
}

// Allow reports whether a call may proceed. In open state it flips to
// half_open once the reset timeout elapsed and admits a bounded number of
// probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.ResetTimeout {
			b.transition(CircuitHalfOpen)
			b.recoveryAttempts++
			observability.CircuitRecoveryAttempts.WithLabelValues(b.id).Inc()
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.halfOpenInFlight >= b.cfg.SuccessThreshold {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.observe(true)
	if b.state == CircuitHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(CircuitClosed)
			b.window = b.window[:0]
			slog.Info("circuit closed after recovery", slog.String("service", b.id))
		}
	}
}

// RecordFailure reports a failed call; it may trip the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.lastFailure = b.now()
	b.observe(false)

	if b.state == CircuitHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transition(CircuitOpen)
		slog.Warn("circuit reopened by half-open failure", slog.String("service", b.id))
		return
	}
	if b.state != CircuitClosed {
		return
	}
	if b.consecutiveFailures >= b.cfg.FailureThreshold || b.windowTripped() {
		b.transition(CircuitOpen)
		slog.Warn("circuit opened",
			slog.String("service", b.id),
			slog.Int("consecutive_failures", b.consecutiveFailures))
	}
}

// observe appends to the sliding window, pruning by size and age.
func (b *Breaker) observe(ok bool) {
	now := b.now()
	b.window = append(b.window, sample{at: now, ok: ok})
	cutoff := now.Add(-b.cfg.WindowAge)
	start := 0
	for start < len(b.window) && b.window[start].at.Before(cutoff) {
		start++
	}
	if over := len(b.window) - start - b.cfg.WindowSize; over > 0 {
		start += over
	}
	if start > 0 {
		b.window = append(b.window[:0], b.window[start:]...)
	}
}

func (b *Breaker) windowTripped() bool {
	if len(b.window) < b.cfg.WindowMinSamples {
		return false
	}
	failures := 0
	for _, s := range b.window {
		if !s.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.cfg.WindowErrorRate
}

func (b *Breaker) transition(to CircuitState) {
	b.state = to
	b.lastStateChange = b.now()
	observability.CircuitTransitionsTotal.WithLabelValues(b.id, to.String()).Inc()
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns circuit breaker statistics for the metrics tier.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"service":              b.id,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"recovery_attempts":    b.recoveryAttempts,
		"last_failure":         b.lastFailure,
		"last_state_change":    b.lastStateChange,
		"window_samples":       len(b.window),
	}
}

// BreakerGroup manages one breaker per service id.
type BreakerGroup struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerGroup creates a group with shared thresholds.
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns or creates the breaker for a service id.
func (g *BreakerGroup) Get(id string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[id]
	g.mu.RUnlock()
	if ok {
		return b
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[id]; ok {
		return b
	}
	b = NewBreaker(id, g.cfg)
	g.breakers[id] = b
	return b
}

// Stats returns statistics for every breaker in the group.
func (g *BreakerGroup) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]any, len(g.breakers))
	for id, b := range g.breakers {
		out[id] = b.Stats()
	}
	return out
}

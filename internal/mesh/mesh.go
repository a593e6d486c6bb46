package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/observability"
)

// Mesh fronts every call to a backend service: instance selection, circuit
// gating, connection accounting, and latency reporting.
type Mesh struct {
	Registry *Registry
	Picker   *Picker
	Breakers *BreakerGroup
	Batcher  *Batcher
	Scaler   *Autoscaler
}

// New assembles a mesh with default breaker and batcher settings.
func New(reg *Registry, scalerCfg ScalerConfig) *Mesh {
	return &Mesh{
		Registry: reg,
		Picker:   NewPicker(),
		Breakers: NewBreakerGroup(DefaultBreakerConfig()),
		Batcher:  NewBatcher(10, 100*time.Millisecond),
		Scaler:   NewAutoscaler(reg, scalerCfg),
	}
}

// Execute picks a healthy instance, gates it through its circuit breaker,
// and runs the call with accounting. The circuit-broken status is mirrored
// onto the instance so balancers skip it.
func (m *Mesh) Execute(ctx context.Context, service string, strategy Strategy, call func(ctx context.Context, inst *Instance) error) error {
	inst, err := m.Picker.Pick(service, m.Registry.Routable(service), strategy)
	if err != nil {
		return err
	}
	br := m.Breakers.Get(inst.ID())
	if !br.Allow() {
		inst.setStatus(StatusCircuitBroken)
		return fmt.Errorf("op=mesh.execute %s: %w", inst.ID(), domain.ErrCircuitOpen)
	}
	if inst.Status() == StatusCircuitBroken && br.State() == CircuitClosed {
		inst.setStatus(StatusHealthy)
	}

	inst.acquire()
	start := time.Now()
	err = call(ctx, inst)
	dur := time.Since(start)
	inst.release()
	inst.recordResponseTime(dur)
	observability.UpstreamRequestDuration.WithLabelValues(service).Observe(dur.Seconds())
	if m.Scaler != nil {
		m.Scaler.ObserveLatency(service, dur)
	}

	if err != nil {
		br.RecordFailure()
		if br.State() == CircuitOpen {
			inst.setStatus(StatusCircuitBroken)
		}
		observability.UpstreamRequestsTotal.WithLabelValues(service, "error").Inc()
		return err
	}
	br.RecordSuccess()
	// Closing the circuit (half-open probes succeeded) resurrects the
	// instance for plain health-based selection.
	if inst.Status() == StatusCircuitBroken && br.State() == CircuitClosed {
		inst.setStatus(StatusHealthy)
	}
	observability.UpstreamRequestsTotal.WithLabelValues(service, "ok").Inc()
	return nil
}

// ExecuteBatched coalesces identical concurrent calls under batchKey before
// executing through the mesh.
func (m *Mesh) ExecuteBatched(ctx context.Context, service string, strategy Strategy, batchKey string, call func(ctx context.Context, inst *Instance) (any, error)) (any, error) {
	return m.Batcher.Do(ctx, batchKey, func(runCtx context.Context) (any, error) {
		var out any
		err := m.Execute(runCtx, service, strategy, func(cctx context.Context, inst *Instance) error {
			v, callErr := call(cctx, inst)
			out = v
			return callErr
		})
		return out, err
	})
}

// HasHealthy reports whether any registered service still has a healthy
// instance. An empty registry counts as healthy; there is nothing to
// route to and nothing failing.
func (m *Mesh) HasHealthy() bool {
	services := m.Registry.Services()
	if len(services) == 0 {
		return true
	}
	for _, service := range services {
		if len(m.Registry.Healthy(service)) > 0 {
			return true
		}
	}
	return false
}

// Summary reports per-service instance counts and circuit states for the
// health endpoint.
func (m *Mesh) Summary() map[string]any {
	out := make(map[string]any)
	for _, service := range m.Registry.Services() {
		instances := m.Registry.Instances(service)
		healthy := 0
		for _, inst := range instances {
			if inst.Status() == StatusHealthy {
				healthy++
			}
		}
		out[service] = map[string]any{
			"instances": len(instances),
			"healthy":   healthy,
		}
	}
	out["circuits"] = m.Breakers.Stats()
	return out
}

package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worthit-bot/worthit/internal/domain"
)

func newTestMesh() (*Mesh, *Registry) {
	reg := NewRegistry()
	m := New(reg, DefaultScalerConfig())
	m.Scaler = nil // control loops stay off in unit tests
	return m, reg
}

func TestExecuteRoutesToInstance(t *testing.T) {
	m, reg := newTestMesh()
	inst := reg.Register("svc", "10.0.0.1", 9000, "")

	var seen *Instance
	err := m.Execute(context.Background(), "svc", RoundRobin, func(_ context.Context, i *Instance) error {
		seen = i
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, inst, seen)
	assert.Equal(t, int64(0), inst.ActiveConns())
	assert.Greater(t, inst.LastResponseTime(), time.Duration(0))
}

func TestExecuteNoInstances(t *testing.T) {
	m, _ := newTestMesh()
	err := m.Execute(context.Background(), "ghost", RoundRobin, func(context.Context, *Instance) error {
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrNoHealthyInstance)
}

func TestExecuteSkipsUnhealthyInstances(t *testing.T) {
	m, reg := newTestMesh()
	sick := reg.Register("svc", "10.0.0.1", 9000, "")
	sick.setStatus(StatusUnhealthy)
	well := reg.Register("svc", "10.0.0.1", 9001, "")

	for i := 0; i < 4; i++ {
		err := m.Execute(context.Background(), "svc", RoundRobin, func(_ context.Context, inst *Instance) error {
			assert.Same(t, well, inst)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestExecuteOpensCircuitAndShortCircuits(t *testing.T) {
	m, reg := newTestMesh()
	inst := reg.Register("svc", "10.0.0.1", 9000, "")
	boom := errors.New("boom")

	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		err := m.Execute(context.Background(), "svc", RoundRobin, func(context.Context, *Instance) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StatusCircuitBroken, inst.Status())

	// The instance stays selectable so the breaker can reject on its
	// behalf; callers see the circuit, not an empty service.
	called := false
	err := m.Execute(context.Background(), "svc", RoundRobin, func(context.Context, *Instance) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecuteRecoversTrippedCircuit(t *testing.T) {
	m, reg := newTestMesh()
	inst := reg.Register("svc", "10.0.0.1", 9000, "")
	boom := errors.New("boom")

	for i := 0; i < DefaultBreakerConfig().FailureThreshold; i++ {
		_ = m.Execute(context.Background(), "svc", RoundRobin, func(context.Context, *Instance) error {
			return boom
		})
	}
	require.Equal(t, StatusCircuitBroken, inst.Status())

	err := m.Execute(context.Background(), "svc", RoundRobin, func(context.Context, *Instance) error {
		return nil
	})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)

	// Move the breaker clock past the reset timeout so the next calls run
	// as half-open probes.
	br := m.Breakers.Get(inst.ID())
	probeTime := time.Now().Add(DefaultBreakerConfig().ResetTimeout + time.Second)
	br.now = func() time.Time { return probeTime }

	for i := 0; i < DefaultBreakerConfig().SuccessThreshold; i++ {
		err := m.Execute(context.Background(), "svc", RoundRobin, func(context.Context, *Instance) error {
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, CircuitClosed, br.State())
	assert.Equal(t, StatusHealthy, inst.Status())
	assert.Len(t, reg.Healthy("svc"), 1)
}

func TestExecuteBatchedSharesResult(t *testing.T) {
	m, reg := newTestMesh()
	reg.Register("svc", "10.0.0.1", 9000, "")

	calls := 0
	v, err := m.ExecuteBatched(context.Background(), "svc", RoundRobin, "key", func(context.Context, *Instance) (any, error) {
		calls++
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.Equal(t, 1, calls)
}

func TestSummaryCountsHealth(t *testing.T) {
	m, reg := newTestMesh()
	reg.Register("svc", "10.0.0.1", 9000, "")
	sick := reg.Register("svc", "10.0.0.1", 9001, "")
	sick.setStatus(StatusUnhealthy)

	summary := m.Summary()
	svc, ok := summary["svc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, svc["instances"])
	assert.Equal(t, 1, svc["healthy"])
}

package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleUpPicksNextFreePort(t *testing.T) {
	reg := NewRegistry()
	reg.Register("svc", "10.0.0.1", 9000, "/healthz", WithScheme("https"), WithWeight(2))
	reg.Register("svc", "10.0.0.1", 9001, "/healthz")
	a := NewAutoscaler(reg, DefaultScalerConfig())

	a.scaleUp("svc", reg.Instances("svc"))

	insts := reg.Instances("svc")
	require.Len(t, insts, 3)
	added := insts[2]
	assert.Equal(t, 9002, added.Port)
	// New instances inherit the template's shape.
	assert.Equal(t, "https", added.Scheme)
	assert.Equal(t, "/healthz", added.HealthPath)
	assert.Equal(t, 2, added.Weight)
}

func TestScaleDownRemovesLeastLoaded(t *testing.T) {
	reg := NewRegistry()
	busy := reg.Register("svc", "10.0.0.1", 9000, "")
	idle := reg.Register("svc", "10.0.0.1", 9001, "")
	busy.acquire()
	a := NewAutoscaler(reg, DefaultScalerConfig())

	a.scaleDown("svc")

	insts := reg.Instances("svc")
	require.Len(t, insts, 1)
	assert.Same(t, busy, insts[0])
	_ = idle
}

func TestScaleDownRespectsMinimum(t *testing.T) {
	reg := NewRegistry()
	reg.Register("svc", "10.0.0.1", 9000, "")
	a := NewAutoscaler(reg, DefaultScalerConfig())

	a.scaleDown("svc")
	assert.Len(t, reg.Instances("svc"), 1)
}

func TestObserveLatencyWindowIsBounded(t *testing.T) {
	a := NewAutoscaler(NewRegistry(), DefaultScalerConfig())
	for i := 0; i < latencyWindowSize*2; i++ {
		a.ObserveLatency("svc", time.Duration(i)*time.Millisecond)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.latencies["svc"], latencyWindowSize)
}

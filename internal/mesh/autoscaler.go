package mesh

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ScalerConfig bounds the autoscaler's control loop.
type ScalerConfig struct {
	MinInstances int
	MaxInstances int
	ScaleUpAt    float64
	ScaleDownAt  float64
	Cooldown     time.Duration
	Interval     time.Duration
	BasePort     int
}

// DefaultScalerConfig matches the mesh defaults.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		MinInstances: 1,
		MaxInstances: 5,
		ScaleUpAt:    0.8,
		ScaleDownAt:  0.3,
		Cooldown:     300 * time.Second,
		Interval:     30 * time.Second,
		BasePort:     9000,
	}
}

// latencyWindowSize caps the rolling latency window per service.
const latencyWindowSize = 50

// Autoscaler adjusts instance counts from a rolling utilization window
// built from process CPU/memory and observed call latencies.
type Autoscaler struct {
	reg *Registry
	cfg ScalerConfig

	mu         sync.Mutex
	latencies  map[string][]time.Duration
	lastAction map[string]time.Time

	proc *process.Process
}

// NewAutoscaler builds an Autoscaler over the registry.
func NewAutoscaler(reg *Registry, cfg ScalerConfig) *Autoscaler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("autoscaler: process metrics unavailable", slog.Any("error", err))
	}
	return &Autoscaler{
		reg:        reg,
		cfg:        cfg,
		latencies:  make(map[string][]time.Duration),
		lastAction: make(map[string]time.Time),
		proc:       p,
	}
}

// ObserveLatency feeds a completed call's latency into the window.
func (a *Autoscaler) ObserveLatency(service string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	win := append(a.latencies[service], d)
	if len(win) > latencyWindowSize {
		win = win[len(win)-latencyWindowSize:]
	}
	a.latencies[service] = win
}

// Run executes the control loop until the context ends.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.evaluate()
		}
	}
}

func (a *Autoscaler) evaluate() {
	for _, service := range a.reg.Services() {
		u := a.utilization(service)
		instances := a.reg.Instances(service)
		count := len(instances)
		if count == 0 {
			continue
		}

		a.mu.Lock()
		last := a.lastAction[service]
		a.mu.Unlock()
		if time.Since(last) < a.cfg.Cooldown {
			continue
		}

		switch {
		case u > a.cfg.ScaleUpAt && count < a.cfg.MaxInstances:
			a.scaleUp(service, instances)
		case u < a.cfg.ScaleDownAt && count > a.cfg.MinInstances:
			a.scaleDown(service)
		}
	}
}

// utilization blends process CPU, memory, and normalized mean latency into
// a single [0,1] signal.
func (a *Autoscaler) utilization(service string) float64 {
	var cpu, mem float64
	if a.proc != nil {
		if v, err := a.proc.CPUPercent(); err == nil {
			cpu = v / 100.0
		}
		if v, err := a.proc.MemoryPercent(); err == nil {
			mem = float64(v) / 100.0
		}
	}

	a.mu.Lock()
	win := a.latencies[service]
	var total time.Duration
	for _, d := range win {
		total += d
	}
	n := len(win)
	a.mu.Unlock()

	var lat float64
	if n > 0 {
		mean := total / time.Duration(n)
		lat = float64(mean) / float64(time.Second)
		if lat > 1 {
			lat = 1
		}
	}
	u := (cpu + mem + lat) / 3.0
	if u > 1 {
		u = 1
	}
	return u
}

func (a *Autoscaler) scaleUp(service string, instances []*Instance) {
	tmpl := instances[0]
	used := make(map[int]bool, len(instances))
	for _, inst := range instances {
		used[inst.Port] = true
	}
	port := a.cfg.BasePort
	for used[port] {
		port++
	}
	a.reg.Register(service, tmpl.Host, port, tmpl.HealthPath,
		WithScheme(tmpl.Scheme), WithWeight(tmpl.Weight))
	a.markAction(service)
	slog.Info("scaled up", slog.String("service", service), slog.Int("port", port))
}

func (a *Autoscaler) scaleDown(service string) {
	healthy := a.reg.Healthy(service)
	if len(healthy) <= a.cfg.MinInstances {
		return
	}
	least := healthy[0]
	for _, inst := range healthy[1:] {
		if inst.ActiveConns() < least.ActiveConns() {
			least = inst
		}
	}
	a.reg.Deregister(service, least.Host, least.Port)
	a.markAction(service)
	slog.Info("scaled down", slog.String("service", service), slog.String("instance", least.ID()))
}

func (a *Autoscaler) markAction(service string) {
	a.mu.Lock()
	a.lastAction[service] = time.Now()
	a.mu.Unlock()
}

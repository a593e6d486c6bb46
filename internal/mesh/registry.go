// Package mesh manages backend service instances: registry, load
// balancing, circuit breaking, request batching, and autoscaling.
package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// InstanceStatus is the registry's view of an instance.
type InstanceStatus string

const (
	StatusHealthy       InstanceStatus = "healthy"
	StatusUnhealthy     InstanceStatus = "unhealthy"
	StatusCircuitBroken InstanceStatus = "circuit_broken"
)

// Instance is one backend endpoint of a named service.
type Instance struct {
	Service    string
	Host       string
	Port       int
	HealthPath string
	Scheme     string
	Weight     int

	mu               sync.RWMutex
	status           InstanceStatus
	lastResponseTime time.Duration
	lastHeartbeat    time.Time
	lastHealthCheck  time.Time

	activeConns atomic.Int64
}

// ID identifies an instance as service@host:port.
func (i *Instance) ID() string { return fmt.Sprintf("%s@%s:%d", i.Service, i.Host, i.Port) }

// BaseURL builds the scheme://host:port root for calls to this instance.
func (i *Instance) BaseURL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if (scheme == "https" && i.Port == 443) || (scheme == "http" && i.Port == 80) {
		return fmt.Sprintf("%s://%s", scheme, i.Host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Host, i.Port)
}

func (i *Instance) Status() InstanceStatus {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

func (i *Instance) setStatus(s InstanceStatus) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// ActiveConns returns the current in-flight call count.
func (i *Instance) ActiveConns() int64 { return i.activeConns.Load() }

func (i *Instance) acquire() { i.activeConns.Add(1) }
func (i *Instance) release() { i.activeConns.Add(-1) }

// LastResponseTime returns the most recent observed call latency.
func (i *Instance) LastResponseTime() time.Duration {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastResponseTime
}

func (i *Instance) recordResponseTime(d time.Duration) {
	i.mu.Lock()
	i.lastResponseTime = d
	i.mu.Unlock()
}

// LastHeartbeat returns the last heartbeat refresh time.
func (i *Instance) LastHeartbeat() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastHeartbeat
}

func (i *Instance) markHealthCheck(t time.Time, healthy bool) {
	i.mu.Lock()
	i.lastHealthCheck = t
	if i.status != StatusCircuitBroken {
		if healthy {
			i.status = StatusHealthy
		} else {
			i.status = StatusUnhealthy
		}
	}
	i.mu.Unlock()
}

// Registry holds the instance sets per service name. The registry root is
// guarded by one lock; per-instance state carries its own.
type Registry struct {
	mu       sync.RWMutex
	services map[string][]*Instance
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string][]*Instance)}
}

// Register adds an instance; re-registering the same (service, host, port)
// refreshes it in place.
func (r *Registry) Register(service, host string, port int, healthPath string, opts ...InstanceOption) *Instance {
	inst := &Instance{
		Service:    service,
		Host:       host,
		Port:       port,
		HealthPath: healthPath,
		Scheme:     "http",
		Weight:     1,
		status:     StatusHealthy,
	}
	inst.lastHeartbeat = time.Now().UTC()
	for _, o := range opts {
		o(inst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[service]
	for idx, existing := range list {
		if existing.Host == host && existing.Port == port {
			list[idx] = inst
			return inst
		}
	}
	r.services[service] = append(list, inst)
	slog.Info("instance registered", slog.String("instance", inst.ID()), slog.Int("weight", inst.Weight))
	return inst
}

// InstanceOption tweaks a registration.
type InstanceOption func(*Instance)

// WithWeight sets the balancing weight; zero makes the instance ineligible
// for the weighted strategy.
func WithWeight(w int) InstanceOption { return func(i *Instance) { i.Weight = w } }

// WithScheme sets the URL scheme used for calls (default http).
func WithScheme(s string) InstanceOption { return func(i *Instance) { i.Scheme = s } }

// Deregister removes the instance. Returns true if something was removed.
func (r *Registry) Deregister(service, host string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[service]
	for idx, inst := range list {
		if inst.Host == host && inst.Port == port {
			r.services[service] = append(list[:idx], list[idx+1:]...)
			slog.Info("instance deregistered", slog.String("instance", inst.ID()))
			return true
		}
	}
	return false
}

// Heartbeat refreshes the liveness timestamp of an instance.
func (r *Registry) Heartbeat(service, host string, port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.services[service] {
		if inst.Host == host && inst.Port == port {
			inst.mu.Lock()
			inst.lastHeartbeat = time.Now().UTC()
			inst.mu.Unlock()
			return true
		}
	}
	return false
}

// Instances returns a copy of the instance list for a service.
func (r *Registry) Instances(service string) []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.services[service]
	out := make([]*Instance, len(list))
	copy(out, list)
	return out
}

// Healthy returns the instances of a service that pass health checks and
// have no open circuit.
func (r *Registry) Healthy(service string) []*Instance {
	all := r.Instances(service)
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		if inst.Status() == StatusHealthy {
			out = append(out, inst)
		}
	}
	return out
}

// Routable returns the selection candidates for a service: healthy
// instances plus circuit-broken ones. A circuit-broken instance stays
// eligible so its breaker can admit recovery probes once the reset timeout
// elapses; only health-check failures exclude an instance outright.
func (r *Registry) Routable(service string) []*Instance {
	all := r.Instances(service)
	out := make([]*Instance, 0, len(all))
	for _, inst := range all {
		switch inst.Status() {
		case StatusHealthy, StatusCircuitBroken:
			out = append(out, inst)
		}
	}
	return out
}

// Services lists the registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

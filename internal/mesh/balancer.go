package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/worthit-bot/worthit/internal/domain"
)

// Strategy names a load-balancing policy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Weighted         Strategy = "weighted"
	ResponseTime     Strategy = "response_time"
)

// Picker selects an instance from the healthy set of a service. Counters
// are kept per service so round-robin walks each service independently.
type Picker struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewPicker returns an empty Picker.
func NewPicker() *Picker {
	return &Picker{counters: make(map[string]*atomic.Uint64)}
}

func (p *Picker) counter(service string) *atomic.Uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[service]
	if !ok {
		c = &atomic.Uint64{}
		p.counters[service] = c
	}
	return c
}

// Pick chooses one instance among the candidates. Returns
// ErrNoHealthyInstance when the candidate set is empty.
func (p *Picker) Pick(service string, candidates []*Instance, strategy Strategy) (*Instance, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("op=mesh.pick %s: %w", service, domain.ErrNoHealthyInstance)
	}
	switch strategy {
	case LeastConnections:
		return p.pickLeastConnections(service, candidates), nil
	case Weighted:
		inst := p.pickWeighted(service, candidates)
		if inst == nil {
			return nil, fmt.Errorf("op=mesh.pick %s: all weights zero: %w", service, domain.ErrNoHealthyInstance)
		}
		return inst, nil
	case ResponseTime:
		return pickResponseTime(candidates), nil
	default: // RoundRobin
		return p.pickRoundRobin(service, candidates), nil
	}
}

func (p *Picker) pickRoundRobin(service string, candidates []*Instance) *Instance {
	idx := p.counter(service).Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func (p *Picker) pickLeastConnections(service string, candidates []*Instance) *Instance {
	min := int64(-1)
	ties := make([]*Instance, 0, 1)
	for _, inst := range candidates {
		conns := inst.ActiveConns()
		switch {
		case min == -1 || conns < min:
			min = conns
			ties = ties[:0]
			ties = append(ties, inst)
		case conns == min:
			ties = append(ties, inst)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	// Ties broken by the round-robin index.
	idx := p.counter(service).Add(1) - 1
	return ties[idx%uint64(len(ties))]
}

// pickWeighted walks cumulative weights deterministically; weight 0 is
// ineligible.
func (p *Picker) pickWeighted(service string, candidates []*Instance) *Instance {
	total := 0
	for _, inst := range candidates {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}
	if total == 0 {
		return nil
	}
	point := int(p.counter(service).Add(1)-1) % total
	acc := 0
	for _, inst := range candidates {
		if inst.Weight <= 0 {
			continue
		}
		acc += inst.Weight
		if point < acc {
			return inst
		}
	}
	return nil
}

func pickResponseTime(candidates []*Instance) *Instance {
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if inst.LastResponseTime() < best.LastResponseTime() {
			best = inst
		}
	}
	return best
}

package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
)

// publishedInstance is the wire form stored under service_registry:<name>.
type publishedInstance struct {
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Scheme         string    `json:"scheme"`
	Weight         int       `json:"weight"`
	Status         string    `json:"status"`
	ActiveConns    int64     `json:"active_connections"`
	LastResponseMS int64     `json:"last_response_ms"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// Publisher mirrors the in-process registry into the shared store as
// service_registry:<name> hashes (instance id → serialized record) so peer
// processes and operators see instance state. The store copy is a read-only
// projection; registration stays in-process.
type Publisher struct {
	reg      *Registry
	mgr      *redisconn.Manager
	interval time.Duration
}

// NewPublisher builds a publisher; interval <= 0 defaults to 30s.
func NewPublisher(reg *Registry, mgr *redisconn.Manager, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Publisher{reg: reg, mgr: mgr, interval: interval}
}

// Run publishes snapshots until the context ends.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	client, err := p.mgr.Client(ctx)
	if err != nil {
		slog.Warn("registry publish skipped", slog.Any("error", err))
		return
	}
	for _, service := range p.reg.Services() {
		key := "service_registry:" + service
		fields := make(map[string]any)
		for _, inst := range p.reg.Instances(service) {
			body, err := json.Marshal(publishedInstance{
				Host:           inst.Host,
				Port:           inst.Port,
				Scheme:         inst.Scheme,
				Weight:         inst.Weight,
				Status:         string(inst.Status()),
				ActiveConns:    inst.ActiveConns(),
				LastResponseMS: inst.LastResponseTime().Milliseconds(),
				LastHeartbeat:  inst.LastHeartbeat(),
			})
			if err != nil {
				continue
			}
			fields[inst.ID()] = body
		}
		// Replace the hash wholesale so deregistered instances disappear.
		pipe := client.TxPipeline()
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("registry publish failed", slog.String("service", service), slog.Any("error", err))
		}
	}
}

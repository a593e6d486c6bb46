package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
)

func newTestPublisher(t *testing.T, reg *Registry) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := redisconn.New(redisconn.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return NewPublisher(reg, mgr, time.Minute), mr
}

func TestPublishWritesRegistryHashes(t *testing.T) {
	reg := NewRegistry()
	reg.Register("scraper", "scrape-a.internal", 8080, "/healthz", WithWeight(3))
	reg.Register("inference", "infer.internal", 9000, "")
	p, mr := newTestPublisher(t, reg)

	p.publish(context.Background())

	raw := mr.HGet("service_registry:scraper", "scraper@scrape-a.internal:8080")
	require.NotEmpty(t, raw)
	var got publishedInstance
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "scrape-a.internal", got.Host)
	assert.Equal(t, 3, got.Weight)
	assert.Equal(t, string(StatusHealthy), got.Status)

	assert.NotEmpty(t, mr.HGet("service_registry:inference", "inference@infer.internal:9000"))
}

func TestPublishDropsDeregisteredInstances(t *testing.T) {
	reg := NewRegistry()
	reg.Register("scraper", "a.internal", 8080, "")
	reg.Register("scraper", "b.internal", 8080, "")
	p, mr := newTestPublisher(t, reg)

	p.publish(context.Background())
	require.True(t, reg.Deregister("scraper", "a.internal", 8080))
	p.publish(context.Background())

	assert.Empty(t, mr.HGet("service_registry:scraper", "scraper@a.internal:8080"))
	assert.NotEmpty(t, mr.HGet("service_registry:scraper", "scraper@b.internal:8080"))
}

package cache

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissRatioNeedsEnoughSamples(t *testing.T) {
	a := NewAnalytics()
	_, ok := a.MissRatio("/tasks/1")
	assert.False(t, ok)

	for i := 0; i < 9; i++ {
		a.RecordMiss("/tasks/1", time.Millisecond)
	}
	_, ok = a.MissRatio("/tasks/1")
	assert.False(t, ok, "9 samples is below the minimum")

	a.RecordHit("/tasks/1", time.Millisecond)
	ratio, ok := a.MissRatio("/tasks/1")
	require.True(t, ok)
	assert.InDelta(t, 0.9, ratio, 1e-9)
}

func TestAnalyticsSnapshot(t *testing.T) {
	a := NewAnalytics()
	a.RecordHit("/a", 10*time.Millisecond)
	a.RecordHit("/a", 20*time.Millisecond)
	a.RecordMiss("/b", 0)
	a.RecordResponseTime(60 * time.Millisecond)

	snap := a.Snapshot()
	assert.Equal(t, int64(2), snap["hits"])
	assert.Equal(t, int64(1), snap["misses"])
	assert.InDelta(t, 2.0/3.0, snap["hit_ratio"].(float64), 1e-9)
	assert.Equal(t, int64(30), snap["avg_response_ms"])
	assert.Equal(t, 2, snap["paths_tracked"])
}

func TestWarmerSweepRepimesHotMissPaths(t *testing.T) {
	a := NewAnalytics()
	// /cold is all misses, /fine mostly hits.
	for i := 0; i < 10; i++ {
		a.RecordMiss("/cold", 0)
		a.RecordHit("/fine", 0)
	}
	a.RecordMiss("/fine", 0)

	var mu sync.Mutex
	var served []string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served = append(served, r.URL.Path)
		mu.Unlock()
	})

	w := NewWarmer(a, h, time.Minute)
	w.sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/cold"}, served)
}

func TestStatusSinkKeepsFirstStatusAndDropsBody(t *testing.T) {
	sink := &statusSink{header: make(http.Header)}
	assert.Equal(t, http.StatusOK, sink.Status(), "implicit 200 before any write")

	sink.WriteHeader(http.StatusBadGateway)
	sink.WriteHeader(http.StatusOK)
	n, err := sink.Write([]byte("discarded"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, http.StatusBadGateway, sink.Status())
}

func TestWarmerSkipsRecentlyWarmedPaths(t *testing.T) {
	a := NewAnalytics()
	for i := 0; i < 10; i++ {
		a.RecordMiss("/cold", 0)
	}
	calls := 0
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ })

	w := NewWarmer(a, h, time.Minute)
	w.sweep(context.Background())
	w.sweep(context.Background())
	assert.Equal(t, 1, calls, "second sweep inside the interval is a no-op")
}

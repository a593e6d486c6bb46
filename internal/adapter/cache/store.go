package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/redis/go-redis/v9"

	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/observability"
)

// CompressionMarker prefixes stored bodies that were zlib-compressed.
const CompressionMarker = "compressed:"

// evictFraction is the share of tracked entries dropped when the byte
// limit is crossed.
const evictFraction = 0.2

// StoreOptions configure the cache store.
type StoreOptions struct {
	BaseTTL     time.Duration
	MaxTTL      time.Duration
	CompressMin int
	MaxBytes    int64
}

// Store persists cache entries under cache:<fingerprint> with companion
// timestamp, content-type, and hit-counter keys. Entry sizes are tracked
// in-process to drive eviction.
type Store struct {
	mgr  *redisconn.Manager
	opts StoreOptions

	mu      sync.Mutex
	entries map[string]*entryMeta
	total   int64
}

type entryMeta struct {
	size       int64
	hits       int64
	lastAccess time.Time
}

// NewStore builds a Store with defaults filled in.
func NewStore(mgr *redisconn.Manager, opts StoreOptions) *Store {
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = 300 * time.Second
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 3600 * time.Second
	}
	if opts.CompressMin <= 0 {
		opts.CompressMin = 1024
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 << 20
	}
	return &Store{mgr: mgr, opts: opts, entries: make(map[string]*entryMeta)}
}

func bodyKey(fp string) string      { return "cache:" + fp }
func timestampKey(fp string) string { return "cache:" + fp + ":timestamp" }
func ctypeKey(fp string) string     { return "cache:" + fp + ":ctype" }
func hitsKey(fp string) string      { return "cache:" + fp + ":hits" }

// adaptiveTTL extends the base TTL by hit frequency, capped at MaxTTL.
func (s *Store) adaptiveTTL(hits int64) time.Duration {
	ttl := s.opts.BaseTTL + time.Duration(hits)*time.Minute
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}
	return ttl
}

// Get returns the decompressed body and content type for a fingerprint.
// The second return is false on miss. Store errors surface to the caller,
// who degrades to pass-through.
func (s *Store) Get(ctx context.Context, fp string) (body []byte, contentType string, ok bool, err error) {
	client, err := s.mgr.Client(ctx)
	if err != nil {
		return nil, "", false, err
	}
	raw, err := client.Get(ctx, bodyKey(fp)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("op=cache.get: %w", err)
	}
	body, err = Decode(raw)
	if err != nil {
		return nil, "", false, fmt.Errorf("op=cache.get decode: %w", err)
	}
	contentType, _ = client.Get(ctx, ctypeKey(fp)).Result()

	hits, _ := client.Incr(ctx, hitsKey(fp)).Result()
	ttl := s.adaptiveTTL(hits)
	pipe := client.Pipeline()
	for _, key := range []string{bodyKey(fp), timestampKey(fp), ctypeKey(fp), hitsKey(fp)} {
		pipe.Expire(ctx, key, ttl)
	}
	_, _ = pipe.Exec(ctx)

	s.mu.Lock()
	if meta, tracked := s.entries[fp]; tracked {
		meta.hits = hits
		meta.lastAccess = time.Now()
	}
	s.mu.Unlock()
	return body, contentType, true, nil
}

// Set stores a response body, compressing it when it exceeds the threshold
// and the compressed form is strictly smaller.
func (s *Store) Set(ctx context.Context, fp string, body []byte, contentType string) error {
	client, err := s.mgr.Client(ctx)
	if err != nil {
		return err
	}
	stored := body
	if len(body) > s.opts.CompressMin {
		if compressed, smaller := compress(body); smaller {
			observability.CacheCompressionSaved.Add(float64(len(body) - len(compressed)))
			stored = compressed
		}
	}

	ttl := s.opts.BaseTTL
	now := float64(time.Now().UnixNano()) / 1e9
	pipe := client.TxPipeline()
	pipe.Set(ctx, bodyKey(fp), stored, ttl)
	pipe.Set(ctx, timestampKey(fp), strconv.FormatFloat(now, 'f', 6, 64), ttl)
	pipe.Set(ctx, ctypeKey(fp), contentType, ttl)
	pipe.Set(ctx, hitsKey(fp), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=cache.set: %w", err)
	}

	s.mu.Lock()
	if old, tracked := s.entries[fp]; tracked {
		s.total -= old.size
	}
	s.entries[fp] = &entryMeta{size: int64(len(stored)), lastAccess: time.Now()}
	s.total += int64(len(stored))
	needEvict := s.total > s.opts.MaxBytes
	s.mu.Unlock()

	if needEvict {
		s.evict(ctx)
	}
	return nil
}

// Invalidate drops specific fingerprints.
func (s *Store) Invalidate(ctx context.Context, fps ...string) error {
	client, err := s.mgr.Client(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(fps)*4)
	for _, fp := range fps {
		keys = append(keys, bodyKey(fp), timestampKey(fp), ctypeKey(fp), hitsKey(fp))
	}
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=cache.invalidate: %w", err)
	}
	s.mu.Lock()
	for _, fp := range fps {
		if meta, tracked := s.entries[fp]; tracked {
			s.total -= meta.size
			delete(s.entries, fp)
		}
	}
	s.mu.Unlock()
	return nil
}

// evict removes the bottom fifth of entries ranked by recency and
// frequency.
func (s *Store) evict(ctx context.Context) {
	type scored struct {
		fp    string
		score float64
	}
	s.mu.Lock()
	ranked := make([]scored, 0, len(s.entries))
	now := time.Now()
	for fp, meta := range s.entries {
		age := now.Sub(meta.lastAccess).Seconds() + 1
		ranked = append(ranked, scored{fp: fp, score: float64(meta.hits+1) / age})
	}
	s.mu.Unlock()
	if len(ranked) == 0 {
		return
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })
	n := int(float64(len(ranked)) * evictFraction)
	if n < 1 {
		n = 1
	}
	victims := make([]string, 0, n)
	for _, r := range ranked[:n] {
		victims = append(victims, r.fp)
	}
	_ = s.Invalidate(ctx, victims...)
}

// TrackedBytes reports the in-process view of total stored bytes.
func (s *Store) TrackedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// compress returns the marker-prefixed zlib form and whether it is
// strictly smaller than the input.
func compress(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	buf.WriteString(CompressionMarker)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), buf.Len() < len(body)+len(CompressionMarker)
}

// Decode reverses the storage encoding: marker-prefixed bodies are
// decompressed, everything else is returned verbatim.
func Decode(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, []byte(CompressionMarker)) {
		return stored, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(stored[len(CompressionMarker):]))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// Package cache implements the response cache middleware in front of the
// gateway: fingerprinted entries in the shared store, miss coalescing,
// compression, adaptive TTL, eviction, and warm-up.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint derives the cache key from the request path and its query
// parameters in canonical order. Permuting parameter order does not change
// the key.
func Fingerprint(path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(path)
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteByte('&')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

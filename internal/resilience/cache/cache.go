// Package cache holds short-lived responses of idempotent requests.
//
// Entries are visible only while now-storedAt < ttl. Expired entries are
// treated as absent and purged lazily on read.
package cache

import (
	"context"
	"net/url"
	"strings"
)

// Store is a TTL-bounded key/value store for encoded responses.
type Store interface {
	// Get returns the value for key, or found=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set overwrites key unconditionally and stamps the current time.
	Set(ctx context.Context, key string, value []byte) error

	// Invalidate drops a single key.
	Invalidate(ctx context.Context, key string) error

	// InvalidateAll drops every key owned by the store.
	InvalidateAll(ctx context.Context) error
}

// Key builds the canonical cache key for a request.
// url.Values.Encode sorts parameters, so ordering never splits the cache.
func Key(method, rawURL string, params url.Values, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(rawURL)
	b.WriteByte('?')
	b.WriteString(params.Encode())
	b.WriteByte('#')
	b.Write(body)
	return b.String()
}

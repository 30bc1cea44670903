// Package dedupe implements the best-effort 15-minute idempotency
// cache the admission pipeline consults before appending a batch,
// keyed by token + X-Idempotency-Key. Deduped requests replay the
// original Ack rather than re-running the pipeline.
package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window is how long a key is remembered.
const Window = 15 * time.Minute

// MaxEntries bounds memory the same way ratelimit bounds its buckets.
const MaxEntries = 50_000

// Entry is whatever the admission pipeline wants replayed on a repeat
// request; it is opaque to this package.
type Entry struct {
	StoredAt time.Time
	Value    any
}

// Cache is a TTL-bounded LRU keyed by "token\x00idempotency_key".
type Cache struct {
	mu    sync.Mutex
	items *lru.Cache[string, Entry]
}

// New builds a Cache.
func New() *Cache {
	c, _ := lru.New[string, Entry](MaxEntries)
	return &Cache{items: c}
}

func key(token, idempotencyKey string) string {
	return token + "\x00" + idempotencyKey
}

// Lookup returns the previously stored value for (token, idempotencyKey)
// if present and not yet expired.
func (c *Cache) Lookup(token, idempotencyKey string) (any, bool) {
	if idempotencyKey == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(token, idempotencyKey)
	e, ok := c.items.Get(k)
	if !ok {
		return nil, false
	}
	if time.Since(e.StoredAt) > Window {
		c.items.Remove(k)
		return nil, false
	}
	return e.Value, true
}

// Store remembers value for (token, idempotencyKey) for Window.
func (c *Cache) Store(token, idempotencyKey string, value any) {
	if idempotencyKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(key(token, idempotencyKey), Entry{StoredAt: time.Now(), Value: value})
}

// Package embedcache implements a bounded, TTL-bearing cache over
// query text to embedding vector, deduplicating embedding requests for
// identical (case-normalised) texts. It is built on top of pkg/kv's
// BadgerDB wrapper, adding an in-process LRU index for the entry-count
// cap Badger doesn't provide natively.
package embedcache

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvalane/memex/pkg/kv"
)

// Config holds the cache's tunable parameters. Defaults match the
// reference policy: 1,000 entries, 1 hour TTL.
type Config struct {
	Dir        string
	MaxEntries int
	TTL        time.Duration
}

// DefaultConfig returns the cache's default policy.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, TTL: time.Hour}
}

// EmbedFunc computes an embedding for text, honouring ctx cancellation.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Cache is a concurrency-safe bounded LRU+TTL cache of query text to
// embedding vector.
type Cache struct {
	mu    sync.Mutex
	store *kv.KV
	order *list.List
	elems map[string]*list.Element

	maxEntries int
	ttl        time.Duration
	closed     bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open opens (creating if absent) the cache's backing KV store.
func Open(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "memex-embedcache")
	}

	opts := kv.DefaultOptions(dir)
	store, err := kv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("embedcache: open kv store: %w", err)
	}

	c := &Cache{
		store:      store,
		order:      list.New(),
		elems:      make(map[string]*list.Element),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
	}
	log.Printf("[OK] embedcache: opened %s (max=%d ttl=%s)", dir, cfg.MaxEntries, cfg.TTL)
	return c, nil
}

// normalizeKey trims whitespace and lowercases, so "Hello " and "hello"
// share a cache entry; the original case is preserved by the caller for
// storage, only the cache key is normalised.
func normalizeKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Embed consults the cache for a (trimmed, case-normalised) text and, on
// miss, calls uncached to compute it, populates the cache, and returns
// the vector. Storage-path callers should bypass this method and call
// their embed function directly — embed_uncached is reserved for
// single-use content that should not pollute the cache.
func (c *Cache) Embed(ctx context.Context, text string, uncached EmbedFunc) ([]float32, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	key := normalizeKey(text)

	if vec, ok := c.get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := uncached(ctx, strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}
	c.put(key, vec)
	return vec, nil
}

func (c *Cache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}

	blob, err := c.store.GetBytes(key)
	if err != nil {
		return nil, false
	}

	if el, ok := c.elems[key]; ok {
		c.order.MoveToFront(el)
	}
	return deserializeVector(blob), true
}

func (c *Cache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	blob := serializeVector(vec)
	if err := c.store.SetWithTTL(key, string(blob), c.ttl); err != nil {
		log.Printf("[WARN] embedcache: put failed: %v", err)
		return
	}

	if el, ok := c.elems[key]; ok {
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(key)
		c.elems[key] = el
	}

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		c.order.Remove(oldest)
		delete(c.elems, oldKey)
		c.store.Delete(oldKey)
	}
}

// Stats are the cache's monotonic hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns the cache's current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases the underlying KV store handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.Close()
}

func serializeVector(v []float32) []byte {
	result := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		result[i*4] = byte(bits)
		result[i*4+1] = byte(bits >> 8)
		result[i*4+2] = byte(bits >> 16)
		result[i*4+3] = byte(bits >> 24)
	}
	return result
}

func deserializeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	result := make([]float32, len(b)/4)
	for i := 0; i < len(result); i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}

package embedding

import (
	"container/list"
	"context"
	"sync"

	"github.com/vthunder/engram/internal/logging"
)

const (
	// DefaultCacheEntries bounds the cache by entry count.
	DefaultCacheEntries = 2000
	// DefaultCacheBytes bounds the cache by memory (50 MB).
	DefaultCacheBytes = 50 * 1024 * 1024
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int     `json:"entries"`
	Bytes   int64   `json:"bytes"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type cacheEntry struct {
	key  string
	vec  []float64
	size int64
}

// Cached wraps a Provider with a bounded LRU of text→vector. Both an
// entry-count and a byte budget apply; eviction is least recently
// accessed first.
type Cached struct {
	provider   Provider
	maxEntries int
	maxBytes   int64

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element
	bytes   int64
	hits    int64
	misses  int64
}

// NewCached wraps the provider. Zero limits select the defaults.
func NewCached(p Provider, maxEntries int, maxBytes int64) *Cached {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultCacheBytes
	}
	return &Cached{
		provider:   p,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Name returns the wrapped provider's name.
func (c *Cached) Name() string { return c.provider.Name() }

// Dimension returns the wrapped provider's dimension.
func (c *Cached) Dimension() int { return c.provider.Dimension() }

// IsAvailable reports the wrapped provider's availability.
func (c *Cached) IsAvailable() bool { return c.provider.IsAvailable() }

// Embed returns the cached vector for text or delegates on a miss.
func (c *Cached) Embed(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := c.lookup(text); ok {
		return vec, nil
	}

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.insert(text, vec)
	return vec, nil
}

// EmbedBatch partitions texts into cached and uncached, delegates only
// the misses in one provider call, and stitches results back in the
// original order.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if vec, ok := c.lookup(text); ok {
			results[i] = vec
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.provider.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		results[missIdx[j]] = vec
		c.insert(missTexts[j], vec)
	}
	return results, nil
}

// Stats returns a snapshot of cache effectiveness.
func (c *Cached) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Entries: len(c.entries),
		Bytes:   c.bytes,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cached) lookup(text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[text]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *Cached) insert(text string, vec []float64) {
	size := int64(len(text) + 8*len(vec) + 64)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[text]; ok {
		// Another goroutine cached it first; refresh recency.
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: text, vec: vec, size: size})
	c.entries[text] = el
	c.bytes += size

	for (len(c.entries) > c.maxEntries || c.bytes > c.maxBytes) && c.order.Len() > 0 {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, entry.key)
		c.bytes -= entry.size
		logging.Debug("embedding", "cache evicted entry (%d bytes), %d entries remain", entry.size, len(c.entries))
	}
}

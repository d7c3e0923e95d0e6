package datasets

import (
	"container/list"
	"fmt"
	"sync"
)

// CloudCache keeps recently decoded point clouds, keyed by file path, so a
// complete cloud shared by several renderings is parsed once. It is safe for
// concurrent use by loader workers.
type CloudCache struct {
	mu       sync.Mutex
	clouds   map[string]*list.Element
	lru      *list.List
	maxItems int

	hits   int64
	misses int64
}

type cacheEntry struct {
	path   string
	points []float32
}

// NewCloudCache holds at most maxItems clouds. A cache of size zero or less
// stores nothing.
func NewCloudCache(maxItems int) *CloudCache {
	return &CloudCache{
		clouds:   make(map[string]*list.Element),
		lru:      list.New(),
		maxItems: maxItems,
	}
}

// Read returns a private copy of the cloud at path, decoding the file on a
// miss.
func (c *CloudCache) Read(path string) ([]float32, error) {
	if points, ok := c.get(path); ok {
		return points, nil
	}
	points, err := ReadPCD(path)
	if err != nil {
		return nil, err
	}
	c.put(path, points)
	return append([]float32(nil), points...), nil
}

func (c *CloudCache) get(path string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.clouds[path]
	if !ok {
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	return append([]float32(nil), elem.Value.(*cacheEntry).points...), true
}

func (c *CloudCache) put(path string, points []float32) {
	if c.maxItems <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.clouds[path]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.clouds[path] = c.lru.PushFront(&cacheEntry{path: path, points: points})
	for c.lru.Len() > c.maxItems {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.clouds, oldest.Value.(*cacheEntry).path)
	}
}

// Stats returns the current size and the hit counters.
func (c *CloudCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.lru.Len(), MaxSize: c.maxItems, Hits: c.hits, Misses: c.misses}
}

type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
}

// HitRate is the percentage of reads served from memory.
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}
	return float64(cs.Hits) / float64(total) * 100
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d clouds, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate())
}

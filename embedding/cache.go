// Package embedding provides a process-wide bounded cache of computed
// embeddings so repeated texts do not hit the embedding provider twice.
package embedding

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of embeddings kept in memory.
const DefaultCacheSize = 1000

// Cache is a fixed-capacity LRU keyed by lowercased, trimmed text. Stored
// vectors are returned exactly as put; no quantization or copying.
type Cache struct {
	entries *lru.Cache[string, []float32]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

func (c *Cache) Get(text string) ([]float32, bool) {
	return c.entries.Get(cacheKey(text))
}

func (c *Cache) Put(text string, vector []float32) {
	c.entries.Add(cacheKey(text), vector)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func cacheKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

package handlers

import (
	"sync"
	"time"
)

// Cache records when each key was last invalidated. Local processes query it
// over HTTP to decide whether their own copies are stale.
type Cache struct {
	mu   sync.RWMutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Touch marks key as invalidated now.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = c.now().UTC()
}

// Touched returns when key was last invalidated.
func (c *Cache) Touched(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.keys[key]
	return at, ok
}

// Len returns the number of keys ever touched.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

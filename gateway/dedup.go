package gateway

import (
	"sync"
	"time"
)

// DedupCache suppresses duplicate send requests inside a short window.
// Some legacy devices fire the same HTTP GET several times in a row; without
// this cache each retry would cost an actual SMS.
type DedupCache struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupCache returns a cache with the given suppression window.
func NewDedupCache(window time.Duration) *DedupCache {
	if window <= 0 {
		window = 15 * time.Second
	}
	return &DedupCache{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// IsDuplicate reports whether the same recipient/text pair was recorded
// inside the window. Expired entries are evicted on every check.
func (c *DedupCache) IsDuplicate(recipient, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, key)
		}
	}

	_, dup := c.seen[recipient+"|"+text]
	return dup
}

// Record notes a request so that near-future repeats are suppressed.
func (c *DedupCache) Record(recipient, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[recipient+"|"+text] = c.now()
}

// Package dedup holds the processed-message cache used to drop transport
// redeliveries before they reach the ingestion pipeline. The cache is
// volatile and window-bounded; the store's unique index on
// (instance_id, msg_id) is the durable second line of defense.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache is a bounded-lifetime set of recently-seen message identifiers.
// Safe for concurrent use from multiple per-instance event handlers.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
	cancel context.CancelFunc
}

// New creates a cache. window is the dedup span; ttl is the age past
// which entries are swept.
func New(window, ttl time.Duration) *Cache {
	return &Cache{
		seen:   make(map[string]time.Time),
		window: window,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Seen reports whether msgID was recorded within the dedup window.
func (c *Cache) Seen(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.seen[msgID]
	if !ok {
		return false
	}
	return c.now().Sub(at) < c.window
}

// Record marks msgID as seen now.
func (c *Cache) Record(msgID string) {
	c.mu.Lock()
	c.seen[msgID] = c.now()
	c.mu.Unlock()
}

// Sweep removes entries older than the ttl and returns how many were
// removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	removed := 0
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Start begins the periodic sweep goroutine.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep goroutine.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

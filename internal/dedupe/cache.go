package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a thread-safe, TTL-based, size-limited set of seen keys. When the
// cache is full the least recently marked key is evicted.
type Cache struct {
	mu     sync.Mutex
	seen   *lru.Cache
	ttl    time.Duration
	now    func() time.Time
	done   chan struct{}
	closed bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine removes expired keys until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New(maxSize)

	c := &Cache{
		seen: seen,
		ttl:  ttl,
		now:  time.Now,
		done: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Check reports whether key was marked within the TTL.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark atomically checks key and marks it when it was not seen.
// It returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.seen.Add(key, c.now())
	return false
}

// Mark records key as seen now.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(key, c.now())
}

// Len returns the number of tracked keys, expired ones included until cleanup.
func (c *Cache) Len() int {
	return c.seen.Len()
}

func (c *Cache) liveLocked(key string) bool {
	v, ok := c.seen.Peek(key)
	if !ok {
		return false
	}
	return c.now().Sub(v.(time.Time)) < c.ttl
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks keys from oldest to newest and stops at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, k := range c.seen.Keys() {
		v, ok := c.seen.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(time.Time)) < c.ttl {
			return
		}
		c.seen.Remove(k)
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache keeps query results in process memory. It is the default
// backend when no Redis address is configured and is good enough for a
// single archive node.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stop    chan struct{}
}

type entry struct {
	payload  []byte
	deadline time.Time
}

// NewMemoryCache starts an in-memory cache with a background sweeper.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the payload stored under key, or ErrCacheMiss when the key
// is absent or past its deadline. Expired entries are left for the sweeper.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.deadline) {
		return nil, ErrCacheMiss
	}
	return e.payload, nil
}

// Set stores payload under key for ttl.
func (c *MemoryCache) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = entry{payload: payload, deadline: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete drops key.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Exists reports whether key holds a live entry.
func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	return ok && time.Now().Before(e.deadline), nil
}

// Clear drops every key matching pattern. Only a trailing '*' wildcard is
// understood, which covers the "qr:<ae>:*" invalidation the services use.
func (c *MemoryCache) Clear(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if keyMatches(key, pattern) {
			delete(c.entries, key)
		}
	}
	return nil
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	close(c.stop)
	return nil
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if now.After(e.deadline) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func keyMatches(key, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return key == pattern
}

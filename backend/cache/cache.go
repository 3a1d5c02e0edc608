// ABOUTME: In-memory cache with TTL-based expiration
// ABOUTME: Typed, mutex-guarded store with atomic updates and eviction callbacks

package cache

import (
	"log/slog"
	"sync"
	"time"
)

const cleanupInterval = time.Minute

type entry[V any] struct {
	data      V
	expiresAt time.Time
}

// Cache holds values of one type until their TTL elapses.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]entry[V]
	ttl     time.Duration
	onEvict func(key string, value V)
	stop    chan struct{}
	once    sync.Once
}

// New creates a cache and starts its cleanup loop. Call Close to stop it.
func New[V any](ttl time.Duration) *Cache[V] {
	return NewWithEviction[V](ttl, nil)
}

// NewWithEviction is New with a callback run for every entry that expires.
// The callback runs outside the cache lock.
func NewWithEviction[V any](ttl time.Duration, onEvict func(key string, value V)) *Cache[V] {
	c := &Cache[V]{
		items:   make(map[string]entry[V]),
		ttl:     ttl,
		onEvict: onEvict,
		stop:    make(chan struct{}),
	}
	go c.startCleanup()
	return c
}

// TTL returns the default time-to-live.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && time.Now().After(e.expiresAt) {
		delete(c.items, key)
		c.mu.Unlock()
		slog.Debug("Cache expired", "key", key)
		c.evicted(key, e.data)
		var zero V
		return zero, false
	}
	c.mu.Unlock()

	if !ok {
		slog.Debug("Cache miss", "key", key)
		var zero V
		return zero, false
	}
	slog.Debug("Cache hit", "key", key)
	return e.data, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = entry[V]{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	slog.Debug("Cache set", "key", key, "ttl", ttl)
}

// Update atomically replaces the value under key with the result of fn.
// fn sees the current value and whether it exists; returning an error leaves
// the entry untouched. The TTL is reset to the default.
func (c *Cache[V]) Update(key string, fn func(current V, found bool) (V, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[key]
	if found && time.Now().After(e.expiresAt) {
		found = false
		var zero V
		e.data = zero
	}
	next, err := fn(e.data, found)
	if err != nil {
		return err
	}
	c.items[key] = entry[V]{data: next, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

// Clear removes key without running the eviction callback.
func (c *Cache[V]) Clear(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len counts live and not-yet-swept entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the cleanup loop.
func (c *Cache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache[V]) evicted(key string, value V) {
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// Sweep removes expired entries now.
func (c *Cache[V]) Sweep() {
	now := time.Now()
	var expired []string
	var values []V

	c.mu.Lock()
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, key)
			expired = append(expired, key)
			values = append(values, e.data)
		}
	}
	c.mu.Unlock()

	for i, key := range expired {
		c.evicted(key, values[i])
	}
	if len(expired) > 0 {
		slog.Debug("Cache sweep", "expired", len(expired))
	}
}

func (c *Cache[V]) startCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

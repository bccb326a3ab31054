package utils

import (
	"sync"
	"time"
)

// RegisterKey addresses one register of one slave.
type RegisterKey struct {
	Slave    uint8
	Register uint16
}

// RegisterCache remembers the last known value of slave registers for a
// limited time. The gateway uses it to skip writes that would not change a
// register, such as a retained command redelivered after a reconnect.
type RegisterCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[RegisterKey]entry
}

type entry struct {
	v  uint16
	at time.Time
}

// NewRegisterCache creates a cache with the given TTL. If ttl <= 0, it
// defaults to 1m.
func NewRegisterCache(ttl time.Duration) *RegisterCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RegisterCache{ttl: ttl, now: time.Now, data: make(map[RegisterKey]entry, 64)}
}

// Get returns the cached value if it exists and hasn't expired.
func (c *RegisterCache) Get(key RegisterKey) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return 0, false
	}
	return e.v, true
}

// Set stores the value with the current timestamp.
func (c *RegisterCache) Set(key RegisterKey, v uint16) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}

// Unchanged reports whether key is cached with value v.
func (c *RegisterCache) Unchanged(key RegisterKey, v uint16) bool {
	old, ok := c.Get(key)
	return ok && old == v
}

// Forget drops key, forcing the next write through.
func (c *RegisterCache) Forget(key RegisterKey) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

package discovery

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Cache holds the last validated network result set, keyed by host:port.
// The whole set expires together TTL after it was stored.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	devices  map[string]DiscoveredDevice
	order    []string
	storedAt time.Time
}

// NewCache returns an empty cache. A nil now uses time.Now.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now}
}

func cacheKey(d DiscoveredDevice) string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Get returns the cached devices while they are fresh.
func (c *Cache) Get() ([]DiscoveredDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.devices == nil || c.now().Sub(c.storedAt) >= c.ttl {
		return nil, false
	}
	out := make([]DiscoveredDevice, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.devices[k])
	}
	return out, true
}

// Put replaces the cached set.
func (c *Cache) Put(devices []DiscoveredDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[string]DiscoveredDevice, len(devices))
	c.order = c.order[:0]
	for _, d := range devices {
		k := cacheKey(d)
		if _, dup := c.devices[k]; !dup {
			c.order = append(c.order, k)
		}
		c.devices[k] = d
	}
	c.storedAt = c.now()
}

// Invalidate drops the cached set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = nil
	c.order = nil
}

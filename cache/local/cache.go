package local

import (
	"context"
	"sync"
	"time"
)

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// lease is a held key with an optional expiry.
type lease struct {
	owner    string
	expireAt time.Time // zero means no expiry
}

func (l lease) expired(now time.Time) bool {
	return !l.expireAt.IsZero() && now.After(l.expireAt)
}

// LocalCache is an in-process cache implementing the Cache interface for a
// single instance: leases and string sets.
type LocalCache struct {
	mu     sync.Mutex
	leases map[string]lease
	sets   map[string]map[string]struct{}
	now    func() time.Time

	gcInterval time.Duration
	stopGC     chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		leases:     make(map[string]lease),
		sets:       make(map[string]map[string]struct{}),
		now:        time.Now,
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine.
func (c *LocalCache) Close() {
	c.stopOnce.Do(func() { close(c.stopGC) })
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopGC:
			return
		}
	}
}

func (c *LocalCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, l := range c.leases {
		if l.expired(now) {
			delete(c.leases, k)
		}
	}
}

// ---- Leases ----

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if l, ok := c.leases[key]; ok && !l.expired(now) {
		return false, nil
	}
	l := lease{owner: value}
	if ttl > 0 {
		l.expireAt = now.Add(ttl)
	}
	c.leases[key] = l
	return true, nil
}

// Release drops key only while it is still held by value.
func (c *LocalCache) Release(_ context.Context, key, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	if !ok || l.owner != value || l.expired(c.now()) {
		return false, nil
	}
	delete(c.leases, key)
	return true, nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.leases, k)
		delete(c.sets, k)
	}
	return nil
}

// ---- Sets ----

func (c *LocalCache) SAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		c.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (c *LocalCache) SRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sets[key]
	for _, m := range members {
		delete(s, m)
	}
	if len(s) == 0 {
		delete(c.sets, key)
	}
	return nil
}

func (c *LocalCache) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		result = append(result, m)
	}
	return result, nil
}

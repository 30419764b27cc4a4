package history

import (
	"sync"
	"time"
)

const (
	DefaultRingCapacity = 1000
	DefaultRingExpiry   = 24 * time.Hour
)

// RingCache keeps the most recent messages per scope, newest first. It is
// best-effort: overflow silently drops the oldest entries.
type RingCache struct {
	capacity int
	expiry   time.Duration

	mu     sync.RWMutex
	scopes map[string][]StoredMessage
}

func NewRingCache(capacity int, expiry time.Duration) *RingCache {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if expiry <= 0 {
		expiry = DefaultRingExpiry
	}
	return &RingCache{
		capacity: capacity,
		expiry:   expiry,
		scopes:   make(map[string][]StoredMessage),
	}
}

func (c *RingCache) Push(key string, msg StoredMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.scopes[key]
	list = append(list, StoredMessage{})
	copy(list[1:], list)
	list[0] = msg
	if len(list) > c.capacity {
		clear(list[c.capacity:])
		list = list[:c.capacity]
	}
	c.scopes[key] = list
}

// Recent returns up to limit messages for key, newest first.
func (c *RingCache) Recent(key string, limit int) []StoredMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := c.scopes[key]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]StoredMessage, limit)
	copy(out, list[:limit])
	return out
}

// Sweep drops entries older than the expiry and removes empty scopes. It
// returns the number of messages removed.
func (c *RingCache) Sweep(now time.Time) int {
	cutoff := now.Add(-c.expiry)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, list := range c.scopes {
		keep := list[:0]
		for _, m := range list {
			if m.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			keep = append(keep, m)
		}
		if len(keep) == 0 {
			delete(c.scopes, key)
			continue
		}
		clear(list[len(keep):])
		c.scopes[key] = keep
	}
	return removed
}

func (c *RingCache) Scopes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scopes)
}

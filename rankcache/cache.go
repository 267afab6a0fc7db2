// Package rankcache implements the bounded participant → rank map that lives in
// the background service.
//
// Eviction combines lazy TTL expiry with least-frequently-used eviction. One key
// (the local viewer) can be pinned: it is never chosen by LFU eviction and
// survives Clear, but it still expires like any other entry when read after its
// TTL.
//
// A Cache is not safe for concurrent use. The background service owns it from a
// single goroutine and every tab reaches it through messaging, so there is
// exactly one writer.
package rankcache

import (
	"time"

	"github.com/eloward/rankbadges/rank"
)

// Defaults match the browser build of the extension.
const (
	DefaultMaxSize = 500
	DefaultTTL     = time.Hour
)

// EvictReason says why an entry left the cache.
type EvictReason string

const (
	ReasonExpired EvictReason = "expired"
	ReasonLFU     EvictReason = "lfu"
)

// Stats are cumulative counters since construction.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Cache is an LFU+TTL bounded map keyed by normalised participant handle.
type Cache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key string, reason EvictReason)

	entries map[string]*rank.Entry
	// order is each key's insertion sequence; LFU ties evict the oldest.
	order  map[string]uint64
	seq    uint64
	pinned string
	stats  Stats
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictHook registers a callback invoked for every expiry or eviction.
func WithEvictHook(fn func(key string, reason EvictReason)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// New returns an empty cache. Non-positive arguments fall back to the defaults.
func New(maxSize int, ttl time.Duration, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*rank.Entry),
		order:   make(map[string]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get returns a copy of the entry for key, or nil when absent or expired. An
// expired entry is removed as a side effect. Hits bump the entry's frequency.
func (c *Cache) Get(key string) *rank.Entry {
	key = rank.NormalizeKey(key)
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil
	}
	if c.expired(e) {
		c.remove(key, ReasonExpired)
		c.stats.Misses++
		return nil
	}
	e.Frequency++
	c.stats.Hits++
	return e.Clone()
}

// Peek is Get without the frequency bump or expiry side effect.
func (c *Cache) Peek(key string) *rank.Entry {
	e, ok := c.entries[rank.NormalizeKey(key)]
	if !ok || c.expired(e) {
		return nil
	}
	return e.Clone()
}

// Set upserts value under key. A repeat Set bumps frequency and refreshes the
// timestamp in place; a new key starts at frequency 1. When the insert pushes
// the cache over its bound, evictLFU runs until the bound holds again. The key
// just written is never the victim.
func (c *Cache) Set(key string, value *rank.Entry) {
	key = rank.NormalizeKey(key)
	if key == "" || value == nil {
		return
	}
	stored := value.Clone()
	stored.Timestamp = c.now()
	if prev, ok := c.entries[key]; ok {
		stored.Frequency = prev.Frequency + 1
	} else {
		stored.Frequency = 1
		c.seq++
		c.order[key] = c.seq
	}
	c.entries[key] = stored

	for len(c.entries) > c.maxSize {
		if !c.evictLFU(key) {
			break
		}
	}
}

// evictLFU removes one entry. The first expired entry found wins; otherwise the
// lowest-frequency entry goes, ties broken by insertion order (oldest first).
// Neither the pinned key nor skip is considered. It reports whether anything
// was removed.
func (c *Cache) evictLFU(skip string) bool {
	victim := ""
	lowest := 0
	for key, e := range c.entries {
		if key == c.pinned || key == skip {
			continue
		}
		if c.expired(e) {
			c.remove(key, ReasonExpired)
			return true
		}
		if victim == "" || e.Frequency < lowest ||
			(e.Frequency == lowest && c.order[key] < c.order[victim]) {
			victim = key
			lowest = e.Frequency
		}
	}
	if victim == "" {
		return false
	}
	c.remove(victim, ReasonLFU)
	return true
}

// Clear drops every entry except the pinned one.
func (c *Cache) Clear() {
	keep, hasPinned := c.entries[c.pinned]
	keepSeq := c.order[c.pinned]
	c.entries = make(map[string]*rank.Entry)
	c.order = make(map[string]uint64)
	if c.pinned != "" && hasPinned {
		c.entries[c.pinned] = keep
		c.order[c.pinned] = keepSeq
	}
}

// SetCurrentUser pins key against eviction. Only one key is pinned at a time;
// an empty key unpins.
func (c *Cache) SetCurrentUser(key string) {
	c.pinned = rank.NormalizeKey(key)
}

// CurrentUser returns the pinned key.
func (c *Cache) CurrentUser() string { return c.pinned }

// Delete removes key without counting it as an eviction.
func (c *Cache) Delete(key string) {
	key = rank.NormalizeKey(key)
	delete(c.entries, key)
	delete(c.order, key)
}

// Len is the number of stored entries, expired or not.
func (c *Cache) Len() int { return len(c.entries) }

// MaxSize is the configured bound.
func (c *Cache) MaxSize() int { return c.maxSize }

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats { return c.stats }

// All returns copies of every unexpired entry keyed by normalised handle.
func (c *Cache) All() map[string]*rank.Entry {
	out := make(map[string]*rank.Entry, len(c.entries))
	for k, e := range c.entries {
		if c.expired(e) {
			continue
		}
		out[k] = e.Clone()
	}
	return out
}

func (c *Cache) expired(e *rank.Entry) bool {
	return c.now().Sub(e.Timestamp) > c.ttl
}

func (c *Cache) remove(key string, reason EvictReason) {
	delete(c.entries, key)
	delete(c.order, key)
	switch reason {
	case ReasonExpired:
		c.stats.Expirations++
	case ReasonLFU:
		c.stats.Evictions++
	}
	if c.onEvict != nil {
		c.onEvict(key, reason)
	}
}

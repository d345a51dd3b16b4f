// Package cache implements a generic, TTL-bounded cache with
// stale-while-revalidate semantics. A Cache never blocks on I/O; every
// expiry decision is a pure function of a clock reading the caller can
// inject with WithClock.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/kieran-voss/fluxflag/core"
)

// State is the freshness of a CacheEntry relative to a clock reading.
type State string

const (
	Fresh   State = "fresh"
	Stale   State = "stale"
	Expired State = "expired"
)

const (
	defaultMaxSize    = 1000
	defaultTTL        = 5 * time.Minute
	defaultMinTTL     = time.Second
	defaultMaxTTL     = 24 * time.Hour
	defaultStaleTTL   = time.Minute
	adaptiveMaxFactor = 10.0
)

// Config tunes TTL computation. The zero value is not usable; use
// DefaultConfig or fill in every field.
type Config struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	StaleTTL   time.Duration
}

// DefaultConfig matches the defaults named in the data model:
// 300000/1000/86400000/60000 milliseconds.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: defaultTTL,
		MinTTL:     defaultMinTTL,
		MaxTTL:     defaultMaxTTL,
		StaleTTL:   defaultStaleTTL,
	}
}

// CacheEntry holds a cached value and the bookkeeping needed to compute its
// State and to pick eviction candidates.
type CacheEntry[T any] struct {
	Value          T
	Policy         core.ExpiryPolicy
	ExpiresAt      time.Time
	StaleAt        time.Time
	LastChanged    *time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	StaleHits uint64
	Evictions uint64
	Size      int
	HitRate   float64
}

// Cache is a generic, mutex-guarded, TTL-bounded cache. The zero value is
// not usable; construct one with New.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry[T]
	config  Config
	maxSize int
	clock   func() time.Time
	onEvict func(key string, entry CacheEntry[T])

	hits      uint64
	misses    uint64
	staleHits uint64
	evictions uint64
}

// Option configures a Cache at construction time.
type Option[T any] func(*Cache[T])

// WithClock overrides the cache's time source. Tests use this to make
// expiry deterministic; production callers should leave it unset.
func WithClock[T any](clock func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.clock = clock }
}

// WithMaxSize overrides the default bound of 1000 entries.
func WithMaxSize[T any](maxSize int) Option[T] {
	return func(c *Cache[T]) { c.maxSize = maxSize }
}

// WithConfig overrides the default TTL configuration.
func WithConfig[T any](config Config) Option[T] {
	return func(c *Cache[T]) { c.config = config }
}

// OnEvict registers a callback fired, outside the cache's lock, every time
// an entry is evicted for capacity, removed by Remove, or dropped by
// PurgeExpired. It is purely observational and never affects cache
// behavior.
func OnEvict[T any](fn func(key string, entry CacheEntry[T])) Option[T] {
	return func(c *Cache[T]) { c.onEvict = fn }
}

// New constructs a Cache with the default bound and TTL configuration,
// overridden by any options supplied.
func New[T any](opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		entries: make(map[string]*CacheEntry[T]),
		config:  DefaultConfig(),
		maxSize: defaultMaxSize,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache[T]) now() time.Time {
	return c.clock()
}

func stateAt[T any](entry *CacheEntry[T], now time.Time) State {
	if now.Before(entry.ExpiresAt) {
		return Fresh
	}
	if now.Before(entry.StaleAt) {
		return Stale
	}
	return Expired
}

// computeExpiry derives ExpiresAt/StaleAt for a fresh or re-anchored entry
// per the policy table: Absolute and Sliding share the put-time formula,
// Sliding additionally re-anchors on every Get; Adaptive scales the TTL by
// how long it has been since the value last changed.
func computeExpiry(policy core.ExpiryPolicy, config Config, now time.Time, lastChanged *time.Time) (expiresAt, staleAt time.Time) {
	switch policy {
	case core.ExpiryAdaptive:
		stability := 1.0
		if lastChanged != nil {
			elapsed := now.Sub(*lastChanged).Seconds()
			ttlSeconds := config.DefaultTTL.Seconds()
			if ttlSeconds > 0 {
				stability = elapsed / ttlSeconds
			}
			stability = clamp(stability, 0, adaptiveMaxFactor)
		}
		ttl := time.Duration(float64(config.DefaultTTL) * (1 + stability))
		ttl = clampDuration(ttl, config.MinTTL, config.MaxTTL)
		expiresAt = now.Add(ttl)
		staleAt = expiresAt.Add(config.StaleTTL)
	default: // Absolute, Sliding
		expiresAt = now.Add(config.DefaultTTL)
		staleAt = expiresAt.Add(config.StaleTTL)
	}
	return expiresAt, staleAt
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Put inserts or overwrites key's entry, evicting the least-recently-used
// decile first if the cache is at capacity.
func (c *Cache[T]) Put(key string, value T, policy core.ExpiryPolicy, lastChanged *time.Time) {
	c.mu.Lock()
	now := c.now()
	_, exists := c.entries[key]
	if !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	expiresAt, staleAt := computeExpiry(policy, c.config, now, lastChanged)
	c.entries[key] = &CacheEntry[T]{
		Value:          value,
		Policy:         policy,
		ExpiresAt:      expiresAt,
		StaleAt:        staleAt,
		LastChanged:    lastChanged,
		LastAccessedAt: now,
	}
	c.mu.Unlock()
}

// evictLocked removes the lowest decile of entries ranked by
// LastAccessedAt, approximating LRU without the bookkeeping an exact
// O(1) LRU (a doubly linked list per access) would require. The cache only
// promises approximate LRU, so a sort over the entry set on eviction -- a
// rare path relative to Get/Put -- is the simpler and sufficient choice.
// c.mu must be held by the caller.
func (c *Cache[T]) evictLocked() {
	n := len(c.entries) / 10
	if n < 1 {
		n = 1
	}

	type candidate struct {
		key      string
		accessed time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, entry := range c.entries {
		candidates = append(candidates, candidate{key, entry.LastAccessedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessed.Before(candidates[j].accessed)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		key := candidates[i].key
		entry := c.entries[key]
		delete(c.entries, key)
		c.evictions++
		if c.onEvict != nil {
			evicted := *entry
			go c.fireEvict(key, evicted)
		}
	}
}

// fireEvict invokes the OnEvict hook outside the cache's lock, per the
// concurrency model's rule that observer callbacks never run while a
// component lock is held.
func (c *Cache[T]) fireEvict(key string, entry CacheEntry[T]) {
	c.onEvict(key, entry)
}

// Get returns the cached value and its State. A miss (absent key or an
// Expired entry) returns ok=false.
func (c *Cache[T]) Get(key string) (value T, state State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	now := c.now()
	if !found {
		c.misses++
		return value, Expired, false
	}

	st := stateAt(entry, now)
	if st == Expired {
		c.misses++
		return value, Expired, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	if entry.Policy == core.ExpirySliding {
		entry.ExpiresAt = now.Add(c.config.DefaultTTL)
		entry.StaleAt = entry.ExpiresAt.Add(c.config.StaleTTL)
	}

	if st == Stale {
		c.staleHits++
	} else {
		c.hits++
	}
	return entry.Value, st, true
}

// GetFresh returns the value only if its state is Fresh; stale and missing
// entries are both reported as a miss.
func (c *Cache[T]) GetFresh(key string) (value T, ok bool) {
	v, state, found := c.Get(key)
	if !found || state != Fresh {
		var zero T
		return zero, false
	}
	return v, true
}

// GetWithStale returns the value for both Fresh and Stale entries, telling
// the caller which one it got so it can decide whether to revalidate.
func (c *Cache[T]) GetWithStale(key string) (value T, isStale bool, ok bool) {
	v, state, found := c.Get(key)
	if !found {
		var zero T
		return zero, false, false
	}
	return v, state == Stale, true
}

// Remove deletes key's entry, reporting whether it was present.
func (c *Cache[T]) Remove(key string) bool {
	c.mu.Lock()
	entry, found := c.entries[key]
	if found {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if found && c.onEvict != nil {
		c.fireEvict(key, *entry)
	}
	return found
}

// PurgeExpired drops every entry whose StaleAt has passed and reports how
// many were removed.
func (c *Cache[T]) PurgeExpired() uint32 {
	now := c.now()

	c.mu.Lock()
	var removed []struct {
		key   string
		entry CacheEntry[T]
	}
	for key, entry := range c.entries {
		if !now.Before(entry.StaleAt) {
			removed = append(removed, struct {
				key   string
				entry CacheEntry[T]
			}{key, *entry})
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, r := range removed {
		if c.onEvict != nil {
			c.fireEvict(r.key, r.entry)
		}
	}
	return uint32(len(removed))
}

// Stats returns a snapshot of hit/miss/eviction counters and the current
// size. HitRate is hits/(hits+misses), or 0 when no lookups have occurred.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Evictions: c.evictions,
		Size:      len(c.entries),
		HitRate:   hitRate,
	}
}

// Size reports the current number of entries, without touching stats.
func (c *Cache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

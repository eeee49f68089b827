package offlinekit

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Types
// ============================================================================

// Priority orders cache entries for eviction: low goes first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// CacheEntry is a single cached value and its bookkeeping.
type CacheEntry struct {
	Key            string
	Value          any
	CreatedAt      time.Time
	TTL            time.Duration
	Priority       Priority
	Tags           map[string]struct{}
	Persist        bool
	AccessCount    int
	LastAccessedAt time.Time
}

func (e *CacheEntry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

func (e *CacheEntry) hasTag(tag string) bool {
	_, ok := e.Tags[tag]
	return ok
}

// SetOptions controls a single Set. Zero values take the cache defaults.
type SetOptions struct {
	TTL      time.Duration
	Priority Priority
	Tags     []string
	Persist  bool
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	MaxSize    int
	DefaultTTL time.Duration
	Clock      Clock
	Logger     *zap.Logger
}

// CacheStats is a point-in-time summary of the cache.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"maxSize"`
	Hits      int     `json:"hits"`
	Misses    int     `json:"misses"`
	Evictions int     `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

// persisted form, stored under cache/<key>
type persistedEntry struct {
	Value    json.RawMessage `json:"value"`
	Metadata entryMetadata   `json:"metadata"`
}

type entryMetadata struct {
	Timestamp    int64    `json:"timestamp"`
	TTL          int64    `json:"ttl"`
	Priority     Priority `json:"priority"`
	Tags         []string `json:"tags"`
	Persist      bool     `json:"persist"`
	AccessCount  int      `json:"accessCount"`
	LastAccessed int64    `json:"lastAccessed"`
}

// ============================================================================
// Cache
// ============================================================================

// Cache is a capacity-bounded key/value store with per-entry TTL, priority
// and tags. When full it evicts the lowest-priority, least recently accessed
// entry.
type Cache struct {
	store      KeyValueStore
	clock      Clock
	log        *zap.Logger
	maxSize    int
	defaultTTL time.Duration

	mu        sync.Mutex
	entries   map[string]*CacheEntry
	misses    int
	evictions int
}

// NewCache creates a cache. store may be nil, in which case Persist is ignored.
func NewCache(store KeyValueStore, opts *CacheOptions) *Cache {
	c := &Cache{
		store:   store,
		entries: make(map[string]*CacheEntry),
	}
	if opts != nil {
		c.maxSize = opts.MaxSize
		c.defaultTTL = opts.DefaultTTL
		c.clock = opts.Clock
		c.log = opts.Logger
	}
	if c.maxSize <= 0 {
		c.maxSize = 100
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = 5 * time.Minute
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	c.log = nopIfNil(c.log)
	return c
}

// Set inserts or overwrites key. Inserting a new key into a full cache evicts
// one entry first.
func (c *Cache) Set(key string, value any, opts *SetOptions) {
	if opts == nil {
		opts = &SetOptions{}
	}
	now := c.clock.Now()
	entry := &CacheEntry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		TTL:            opts.TTL,
		Priority:       opts.Priority,
		Tags:           make(map[string]struct{}, len(opts.Tags)),
		Persist:        opts.Persist && c.store != nil,
		LastAccessedAt: now,
	}
	if entry.TTL <= 0 {
		entry.TTL = c.defaultTTL
	}
	if entry.Priority == "" {
		entry.Priority = PriorityNormal
	}
	for _, t := range opts.Tags {
		entry.Tags[t] = struct{}{}
	}

	c.mu.Lock()
	var evicted *CacheEntry
	prev, exists := c.entries[key]
	if !exists && len(c.entries) >= c.maxSize {
		evicted = c.evictLocked()
	}
	c.entries[key] = entry
	c.mu.Unlock()

	if evicted != nil {
		c.log.Debug("cache eviction",
			zap.String("key", evicted.Key), zap.String("priority", string(evicted.Priority)))
		if evicted.Persist {
			c.unpersist(evicted.Key)
		}
	}
	if entry.Persist {
		c.persist(entry)
	} else if exists && prev.Persist {
		// a volatile overwrite must not resurrect the old value on Load
		c.unpersist(key)
	}
}

// evictLocked removes the entry with the lowest priority rank, breaking ties
// by the oldest LastAccessedAt.
func (c *Cache) evictLocked() *CacheEntry {
	var victim *CacheEntry
	for _, e := range c.entries {
		if victim == nil ||
			e.Priority.rank() < victim.Priority.rank() ||
			(e.Priority.rank() == victim.Priority.rank() && e.LastAccessedAt.Before(victim.LastAccessedAt)) {
			victim = e
		}
	}
	if victim != nil {
		delete(c.entries, victim.Key)
		c.evictions++
	}
	return victim
}

// Get returns the value at key. Expired entries are removed and reported as
// missing.
func (c *Cache) Get(key string) (any, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	if e.expired(now) {
		delete(c.entries, key)
		c.misses++
		c.mu.Unlock()
		if e.Persist {
			c.unpersist(key)
		}
		return nil, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	value := e.Value
	c.mu.Unlock()
	return value, true
}

// GetInto decodes a hit into dst through JSON. It returns false on a miss or
// when the value cannot be decoded into dst.
func (c *Cache) GetInto(key string, dst any) bool {
	v, ok := c.Get(key)
	if !ok {
		return false
	}
	var raw []byte
	switch tv := v.(type) {
	case json.RawMessage:
		raw = tv
	case []byte:
		raw = tv
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		raw = b
	}
	return json.Unmarshal(raw, dst) == nil
}

// Delete removes key, including its persisted copy.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok && e.Persist {
		c.unpersist(key)
	}
	return ok
}

// InvalidateByTag removes every entry carrying tag and returns how many went.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	var removed []*CacheEntry
	for k, e := range c.entries {
		if e.hasTag(tag) {
			delete(c.entries, k)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	c.unpersistAll(removed)
	if len(removed) > 0 {
		c.log.Debug("cache tag invalidation", zap.String("tag", tag), zap.Int("removed", len(removed)))
	}
	return len(removed)
}

// Cleanup removes every expired entry, accessed or not.
func (c *Cache) Cleanup() int {
	now := c.clock.Now()
	c.mu.Lock()
	var removed []*CacheEntry
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	c.unpersistAll(removed)
	return len(removed)
}

// EntryInfo describes a cache entry without its value.
type EntryInfo struct {
	Key         string    `json:"key"`
	Priority    Priority  `json:"priority"`
	Tags        []string  `json:"tags"`
	Persist     bool      `json:"persist"`
	AccessCount int       `json:"accessCount"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Expired     bool      `json:"expired"`
}

// Entries lists every entry sorted by key, without touching access stats.
func (c *Cache) Entries() []EntryInfo {
	now := c.clock.Now()
	c.mu.Lock()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, EntryInfo{
			Key:         e.Key,
			Priority:    e.Priority,
			Tags:        e.tagList(),
			Persist:     e.Persist,
			AccessCount: e.AccessCount,
			ExpiresAt:   e.CreatedAt.Add(e.TTL),
			Expired:     e.expired(now),
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counters and the aggregate hit rate.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := 0
	for _, e := range c.entries {
		hits += e.AccessCount
	}
	s := CacheStats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := hits + len(c.entries); total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// ============================================================================
// Persistence
// ============================================================================

// Load restores persisted entries. Expired records are deleted from the store.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	keys, err := c.store.Keys(ctx, cachePrefix)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()
	loaded := 0
	for _, storeKey := range keys {
		var rec persistedEntry
		found, err := getJSON(ctx, c.store, storeKey, &rec)
		if err != nil {
			c.log.Warn("skipping unreadable cache record", zap.String("key", storeKey), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		key := strings.TrimPrefix(storeKey, cachePrefix)
		entry := rec.toEntry(key)
		if entry.expired(now) {
			if err := c.store.Delete(ctx, storeKey); err != nil {
				c.log.Warn("cache persistence delete failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}

		c.mu.Lock()
		var evicted *CacheEntry
		if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
			evicted = c.evictLocked()
		}
		c.entries[key] = entry
		c.mu.Unlock()
		if evicted != nil && evicted.Persist {
			c.unpersist(evicted.Key)
		}
		loaded++
	}
	return loaded, nil
}

func (c *Cache) persist(e *CacheEntry) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		c.log.Warn("cache value not serializable", zap.String("key", e.Key), zap.Error(err))
		return
	}
	rec := persistedEntry{
		Value: value,
		Metadata: entryMetadata{
			Timestamp:    e.CreatedAt.UnixMilli(),
			TTL:          e.TTL.Milliseconds(),
			Priority:     e.Priority,
			Tags:         e.tagList(),
			Persist:      true,
			AccessCount:  e.AccessCount,
			LastAccessed: e.LastAccessedAt.UnixMilli(),
		},
	}
	if err := putJSON(context.Background(), c.store, cachePrefix+e.Key, rec); err != nil {
		c.log.Warn("cache persistence failed", zap.String("key", e.Key), zap.Error(err))
	}
}

func (c *Cache) unpersist(key string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(context.Background(), cachePrefix+key); err != nil {
		c.log.Warn("cache persistence delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) unpersistAll(entries []*CacheEntry) {
	for _, e := range entries {
		if e.Persist {
			c.unpersist(e.Key)
		}
	}
}

func (e *CacheEntry) tagList() []string {
	tags := make([]string, 0, len(e.Tags))
	for t := range e.Tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func (r persistedEntry) toEntry(key string) *CacheEntry {
	m := r.Metadata
	e := &CacheEntry{
		Key:            key,
		Value:          r.Value,
		CreatedAt:      time.UnixMilli(m.Timestamp),
		TTL:            time.Duration(m.TTL) * time.Millisecond,
		Priority:       m.Priority,
		Tags:           make(map[string]struct{}, len(m.Tags)),
		Persist:        true,
		AccessCount:    m.AccessCount,
		LastAccessedAt: time.UnixMilli(m.LastAccessed),
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	for _, t := range m.Tags {
		e.Tags[t] = struct{}{}
	}
	return e
}

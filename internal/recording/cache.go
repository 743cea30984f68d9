package recording

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through cache in front of the MetadataStore. Misses and
// backend errors both fall back to the store.
type Cache interface {
	Get(ctx context.Context, id string) (Metadata, bool)
	Set(ctx context.Context, m Metadata)
	Invalidate(ctx context.Context, id string)

	// Per-call recording lists, invalidated whenever one of the call's
	// recordings is written.
	GetCall(ctx context.Context, callID string) ([]Metadata, bool)
	SetCall(ctx context.Context, callID string, recs []Metadata)
	InvalidateCall(ctx context.Context, callID string)
}

type memEntry struct {
	m       Metadata
	expires time.Time
}

type memCallEntry struct {
	recs    []Metadata
	expires time.Time
}

// MemoryCache holds entries for ttl. Expired entries are dropped on read.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
	calls   map[string]memCallEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: map[string]memEntry{}, calls: map[string]memCallEntry{}}
}

func (c *MemoryCache) Get(ctx context.Context, id string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Metadata{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, id)
		return Metadata{}, false
	}
	return cloneMetadata(e.m), true
}

func (c *MemoryCache) Set(ctx context.Context, m Metadata) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ID] = memEntry{m: cloneMetadata(m), expires: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *MemoryCache) GetCall(ctx context.Context, callID string) ([]Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.calls[callID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.calls, callID)
		return nil, false
	}
	return cloneList(e.recs), true
}

func (c *MemoryCache) SetCall(ctx context.Context, callID string, recs []Metadata) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[callID] = memCallEntry{recs: cloneList(recs), expires: c.now().Add(c.ttl)}
}

func (c *MemoryCache) InvalidateCall(ctx context.Context, callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, callID)
}

func cloneList(recs []Metadata) []Metadata {
	out := make([]Metadata, len(recs))
	for i, m := range recs {
		out[i] = cloneMetadata(m)
	}
	return out
}

// RedisCache shares cached metadata between recorder instances.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(id string) string { return "recorder:recording:" + id }

func callCacheKey(callID string) string { return "recorder:call:" + callID }

func (c *RedisCache) Get(ctx context.Context, id string) (Metadata, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("recording cache get failed", "recording_id", id, "err", err)
		}
		return Metadata{}, false
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		c.log.Warn("recording cache entry unreadable", "recording_id", id, "err", err)
		return Metadata{}, false
	}
	return m, true
}

func (c *RedisCache) Set(ctx context.Context, m Metadata) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(m.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("recording cache set failed", "recording_id", m.ID, "err", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		c.log.Warn("recording cache invalidate failed", "recording_id", id, "err", err)
	}
}

func (c *RedisCache) GetCall(ctx context.Context, callID string) ([]Metadata, bool) {
	raw, err := c.rdb.Get(ctx, callCacheKey(callID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("call recordings cache get failed", "call_id", callID, "err", err)
		}
		return nil, false
	}
	var recs []Metadata
	if err := json.Unmarshal(raw, &recs); err != nil {
		c.log.Warn("call recordings cache entry unreadable", "call_id", callID, "err", err)
		return nil, false
	}
	return recs, true
}

func (c *RedisCache) SetCall(ctx context.Context, callID string, recs []Metadata) {
	raw, err := json.Marshal(recs)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, callCacheKey(callID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("call recordings cache set failed", "call_id", callID, "err", err)
	}
}

func (c *RedisCache) InvalidateCall(ctx context.Context, callID string) {
	if err := c.rdb.Del(ctx, callCacheKey(callID)).Err(); err != nil {
		c.log.Warn("call recordings cache invalidate failed", "call_id", callID, "err", err)
	}
}

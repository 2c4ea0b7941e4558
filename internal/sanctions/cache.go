package sanctions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type cacheEntry struct {
	Result   model.SanctionsResult `json:"result"`
	StoredAt time.Time             `json:"stored_at"`
}

// Cache holds provider results. Entries past TTL are stale but kept until
// MaxStale so they can be served when every provider is down.
//
// An optional Redis client acts as a shared second level.
type Cache struct {
	ttl      time.Duration
	maxStale time.Duration
	local    *xsync.Map[string, cacheEntry]
	redis    redis.UniversalClient
	prefix   string
	now      func() time.Time
}

// NewCache creates a cache. client may be nil.
func NewCache(ttl, maxStale time.Duration, client redis.UniversalClient, prefix string) *Cache {
	if maxStale < ttl {
		maxStale = ttl
	}
	if prefix == "" {
		prefix = "chainintel:sanctions:"
	}
	return &Cache{
		ttl:      ttl,
		maxStale: maxStale,
		local:    xsync.NewMap[string, cacheEntry](),
		redis:    client,
		prefix:   prefix,
		now:      time.Now,
	}
}

// Get returns the cached result and whether it is still within TTL.
func (c *Cache) Get(ctx context.Context, addr string) (model.SanctionsResult, bool, bool) {
	e, ok := c.local.Load(addr)
	if !ok && c.redis != nil {
		e, ok = c.getRemote(ctx, addr)
		if ok {
			c.local.Store(addr, e)
		}
	}
	if !ok {
		return model.SanctionsResult{}, false, false
	}
	return e.Result, c.now().Sub(e.StoredAt) < c.ttl, true
}

func (c *Cache) getRemote(ctx context.Context, addr string) (cacheEntry, bool) {
	data, err := c.redis.Get(ctx, c.prefix+addr).Bytes()
	if errors.Is(err, redis.Nil) {
		return cacheEntry{}, false
	}
	if err != nil {
		log.Warn().Err(err).Str("address", addr).Msg("sanctions: redis cache read failed")
		return cacheEntry{}, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("address", addr).Msg("sanctions: bad redis cache entry")
		return cacheEntry{}, false
	}
	return e, true
}

// Put stores a fresh result.
func (c *Cache) Put(ctx context.Context, res model.SanctionsResult) {
	e := cacheEntry{Result: res, StoredAt: c.now()}
	c.local.Store(res.Address, e)
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.prefix+res.Address, data, c.maxStale).Err(); err != nil {
		log.Warn().Err(err).Str("address", res.Address).Msg("sanctions: redis cache write failed")
	}
}

// Purge drops local entries older than MaxStale.
func (c *Cache) Purge() int {
	cutoff := c.now().Add(-c.maxStale)
	n := 0
	c.local.Range(func(addr string, e cacheEntry) bool {
		if e.StoredAt.Before(cutoff) {
			c.local.Delete(addr)
			n++
		}
		return true
	})
	return n
}

// Size returns the number of local entries.
func (c *Cache) Size() int { return c.local.Size() }

package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers signal keys so a detection is emitted once. Seen is a
// read-only check; FirstSeen claims the key and runs only once the signal
// is about to be published.
type Deduper interface {
	// Seen reports whether key was already claimed.
	Seen(ctx context.Context, key string) (bool, error)
	// FirstSeen records key and reports whether it was new.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// ---------------------------------------------------------------------------
// In-process deduper
// ---------------------------------------------------------------------------

// MemoryDeduper keeps keys in memory for a TTL.
type MemoryDeduper struct {
	ttl  time.Duration
	seen *xsync.Map[string, time.Time]
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:  ttl,
		seen: xsync.NewMap[string, time.Time](),
		now:  time.Now,
	}
}

// Seen implements Deduper.
func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	at, ok := d.seen.Load(key)
	return ok && (d.ttl <= 0 || d.now().Sub(at) < d.ttl), nil
}

// FirstSeen implements Deduper.
func (d *MemoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	now := d.now()
	first := false
	d.seen.Compute(key, func(at time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
			return at, xsync.CancelOp
		}
		first = true
		return now, xsync.UpdateOp
	})
	return first, nil
}

// Purge removes expired keys.
func (d *MemoryDeduper) Purge() int {
	if d.ttl <= 0 {
		return 0
	}
	now := d.now()
	n := 0
	d.seen.Range(func(key string, at time.Time) bool {
		if now.Sub(at) >= d.ttl {
			d.seen.Delete(key)
			n++
		}
		return true
	})
	return n
}

// Size returns the number of remembered keys.
func (d *MemoryDeduper) Size() int { return d.seen.Size() }

// ---------------------------------------------------------------------------
// Redis deduper: shared across replicas
// ---------------------------------------------------------------------------

// RedisDeduper uses SETNX with a TTL.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper over an existing client.
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "chainintel:signal:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Seen implements Deduper.
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("detect: redis exists: %w", err)
	}
	return n > 0, nil
}

// FirstSeen implements Deduper.
func (d *RedisDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("detect: redis setnx: %w", err)
	}
	return ok, nil
}

package sanctions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ListUnverified marks a fail-closed result for an address no provider
// could check.
const ListUnverified = "unverified"

// Config configures the screener.
type Config struct {
	FailOpen         bool                 `yaml:"fail_open"`
	CacheTTL         time.Duration        `yaml:"cache_ttl" validate:"gt=0"`
	MaxStale         time.Duration        `yaml:"max_stale"`
	CallTimeout      time.Duration        `yaml:"call_timeout" validate:"gt=0"`
	MaxConcurrent    int                  `yaml:"max_concurrent" validate:"gte=1"` // per provider
	RatePerSecond    float64              `yaml:"rate_per_second"`                 // per provider; 0 = unlimited
	Burst            int                  `yaml:"burst"`
	BatchConcurrency int                  `yaml:"batch_concurrency"`
	DenylistPath     string               `yaml:"denylist_path"`
	RedisPrefix      string               `yaml:"redis_prefix"`
	Breaker          BreakerConfig        `yaml:"breaker"`
	Providers        []HTTPProviderConfig `yaml:"providers" validate:"dive"`
}

// DefaultConfig returns defaults. Screening fails open.
func DefaultConfig() Config {
	return Config{
		FailOpen:         true,
		CacheTTL:         24 * time.Hour,
		MaxStale:         30 * 24 * time.Hour,
		CallTimeout:      2 * time.Second,
		MaxConcurrent:    4,
		RatePerSecond:    10,
		Burst:            10,
		BatchConcurrency: 16,
		RedisPrefix:      "chainintel:sanctions:",
		Breaker:          DefaultBreakerConfig(),
	}
}

type providerSlot struct {
	provider Provider
	pool     pond.Pool
	limiter  *rate.Limiter
	breaker  *circuitBreaker
}

// Screener checks addresses against the local denylist, the cache and the
// external providers, in that order.
type Screener struct {
	config   Config
	denylist *Denylist
	cache    *Cache
	slots    []*providerSlot
	flight   singleflight.Group
	now      func() time.Time

	checks        atomic.Int64
	denylistHits  atomic.Int64
	cacheHits     atomic.Int64
	providerCalls atomic.Int64
	providerErrs  atomic.Int64
	rateLimited   atomic.Int64
	staleServed   atomic.Int64
	degraded      atomic.Int64
}

// NewScreener creates a screener. Providers are added with AddProvider.
func NewScreener(config Config, denylist *Denylist, cache *Cache) *Screener {
	if denylist == nil {
		denylist = NewDenylist()
	}
	if cache == nil {
		cache = NewCache(config.CacheTTL, config.MaxStale, nil, config.RedisPrefix)
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 16
	}
	return &Screener{config: config, denylist: denylist, cache: cache, now: time.Now}
}

// AddProvider registers p with its own bounded pool and rate limiter.
// Zero limits take the screener defaults.
func (s *Screener) AddProvider(p Provider, maxConcurrent int, ratePerSecond float64, burst int) {
	if maxConcurrent <= 0 {
		maxConcurrent = s.config.MaxConcurrent
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if ratePerSecond <= 0 {
		ratePerSecond = s.config.RatePerSecond
	}
	if burst <= 0 {
		burst = max(s.config.Burst, 1)
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	s.slots = append(s.slots, &providerSlot{
		provider: p,
		pool:     pond.NewPool(maxConcurrent, pond.WithQueueSize(maxConcurrent*64)),
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  newCircuitBreaker(p.Name(), s.config.Breaker),
	})
	log.Info().Str("provider", p.Name()).Int("max_concurrent", maxConcurrent).
		Float64("rate_per_second", ratePerSecond).Msg("sanctions: provider registered")
}

// Denylist returns the local denylist.
func (s *Screener) Denylist() *Denylist { return s.denylist }

// Cache returns the result cache.
func (s *Screener) Cache() *Cache { return s.cache }

// Check screens one address. It only fails when ctx is done; provider
// outages degrade the result instead.
func (s *Screener) Check(ctx context.Context, addr string) (model.SanctionsResult, error) {
	s.checks.Add(1)
	addr = strings.ToLower(strings.TrimSpace(addr))
	if err := ctx.Err(); err != nil {
		return model.SanctionsResult{}, err
	}
	if !common.IsHexAddress(addr) {
		return model.SanctionsResult{Address: addr, CheckedAt: s.now().UTC(), Source: "invalid"}, nil
	}

	if lists, ok := s.denylist.Lookup(addr); ok {
		s.denylistHits.Add(1)
		return model.SanctionsResult{
			Address:      addr,
			IsSanctioned: true,
			MatchedLists: lists,
			Confidence:   1,
			CheckedAt:    s.now().UTC(),
			Source:       "denylist",
		}, nil
	}

	cached, fresh, found := s.cache.Get(ctx, addr)
	if found && fresh {
		s.cacheHits.Add(1)
		return cached, nil
	}

	ch := s.flight.DoChan(addr, func() (interface{}, error) {
		return s.queryProviders(context.WithoutCancel(ctx), addr)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return model.SanctionsResult{}, ctx.Err()
	}
	if r.Err == nil {
		return r.Val.(model.SanctionsResult), nil
	}

	log.Debug().Err(r.Err).Str("address", addr).Msg("sanctions: providers unavailable")
	if found {
		s.staleServed.Add(1)
		cached.Stale = true
		return cached, nil
	}
	s.degraded.Add(1)
	res := model.SanctionsResult{Address: addr, CheckedAt: s.now().UTC(), Degraded: true, Source: "unavailable"}
	if !s.config.FailOpen {
		res.IsSanctioned = true
		res.MatchedLists = []string{ListUnverified}
	}
	return res, nil
}

// queryProviders fans addr out to every provider whose breaker allows it.
// Each call first waits for a rate limiter token, bounded by CallTimeout.
// Any answer is authoritative and cached.
func (s *Screener) queryProviders(ctx context.Context, addr string) (model.SanctionsResult, error) {
	type answer struct {
		name    string
		match   Match
		err     error
		limited bool
	}
	answers := make([]answer, len(s.slots))
	tasks := make([]pond.Task, 0, len(s.slots))
	var errs []error

	for i, slot := range s.slots {
		name := slot.provider.Name()
		if !slot.breaker.allow() {
			errs = append(errs, errors.New(name+": circuit open"))
			continue
		}
		tasks = append(tasks, slot.pool.SubmitErr(func() error {
			if err := s.waitToken(ctx, slot.limiter); err != nil {
				s.rateLimited.Add(1)
				answers[i] = answer{name: name, err: err, limited: true}
				return err
			}
			cctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
			defer cancel()
			s.providerCalls.Add(1)
			m, err := slot.provider.Check(cctx, addr)
			slot.breaker.record(err == nil)
			answers[i] = answer{name: name, match: m, err: err}
			return err
		}))
	}
	for _, t := range tasks {
		_ = t.Wait()
	}

	res := model.SanctionsResult{Address: addr, CheckedAt: s.now().UTC()}
	var sources []string
	answered := 0
	for _, a := range answers {
		if a.name == "" {
			continue
		}
		if a.err != nil {
			if !a.limited {
				s.providerErrs.Add(1)
			}
			errs = append(errs, errors.New(a.name+": "+a.err.Error()))
			continue
		}
		answered++
		sources = append(sources, a.name)
		if a.match.Sanctioned {
			res.IsSanctioned = true
			res.MatchedLists = append(res.MatchedLists, a.match.Lists...)
			res.Confidence = max(res.Confidence, model.Clamp01(a.match.Confidence))
		}
	}
	if answered == 0 {
		if len(errs) == 0 {
			errs = append(errs, errors.New("no provider answered"))
		}
		return model.SanctionsResult{}, &model.ExternalServiceUnavailable{Service: "sanctions", Err: errors.Join(errs...)}
	}
	res.MatchedLists = uniqueSorted(res.MatchedLists)
	res.Source = strings.Join(sources, ",")
	s.cache.Put(ctx, res)
	return res, nil
}

// waitToken blocks for a rate limiter token for at most CallTimeout. A
// token further out than that fails at once.
func (s *Screener) waitToken(ctx context.Context, l *rate.Limiter) error {
	wctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	if err := l.Wait(wctx); err != nil {
		return fmt.Errorf("rate limited: %w", err)
	}
	return nil
}

// CheckBatch screens addrs. Duplicates are collapsed before any lookup;
// the result is keyed by lowercase address.
func (s *Screener) CheckBatch(ctx context.Context, addrs []string) (map[string]model.SanctionsResult, error) {
	unique := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(strings.TrimSpace(a))
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}

	var mu sync.Mutex
	out := make(map[string]model.SanctionsResult, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.BatchConcurrency)
	for _, a := range unique {
		g.Go(func() error {
			res, err := s.Check(gctx, a)
			if err != nil {
				return err
			}
			mu.Lock()
			out[a] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeCache drops cache entries too old to serve even as stale.
func (s *Screener) PurgeCache() int { return s.cache.Purge() }

// ReloadDenylist reloads the configured denylist file.
func (s *Screener) ReloadDenylist() (int, error) {
	return s.denylist.Reload(s.config.DenylistPath)
}

// Close stops the provider pools.
func (s *Screener) Close() {
	for _, slot := range s.slots {
		slot.pool.StopAndWait()
	}
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// Stats holds screener statistics.
type Stats struct {
	Checks         int64 `json:"checks"`
	DenylistHits   int64 `json:"denylist_hits"`
	CacheHits      int64 `json:"cache_hits"`
	ProviderCalls  int64 `json:"provider_calls"`
	ProviderErrors int64 `json:"provider_errors"`
	RateLimited    int64 `json:"rate_limited"`
	StaleServed    int64 `json:"stale_served"`
	Degraded       int64 `json:"degraded"`
	OpenBreakers   int   `json:"open_breakers"`
	Denylisted     int   `json:"denylisted"`
	Cached         int   `json:"cached"`
}

// Stats returns current statistics.
func (s *Screener) Stats() Stats {
	open := 0
	for _, slot := range s.slots {
		if slot.breaker.isOpen() {
			open++
		}
	}
	return Stats{
		Checks:         s.checks.Load(),
		DenylistHits:   s.denylistHits.Load(),
		CacheHits:      s.cacheHits.Load(),
		ProviderCalls:  s.providerCalls.Load(),
		ProviderErrors: s.providerErrs.Load(),
		RateLimited:    s.rateLimited.Load(),
		StaleServed:    s.staleServed.Load(),
		Degraded:       s.degraded.Load(),
		OpenBreakers:   open,
		Denylisted:     s.denylist.Size(),
		Cached:         s.cache.Size(),
	}
}

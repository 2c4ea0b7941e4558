package sanctions

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	ErrorPct   float64       `yaml:"error_pct"`   // open above this error rate
	MinSamples int           `yaml:"min_samples"` // calls before the rate is judged
	Cooldown   time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig returns defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ErrorPct: 0.5, MinSamples: 5, Cooldown: 2 * time.Minute}
}

type circuitBreaker struct {
	mu            sync.Mutex
	config        BreakerConfig
	provider      string
	errors        int
	total         int
	open          bool
	cooldownUntil time.Time
	now           func() time.Time
}

func newCircuitBreaker(provider string, cfg BreakerConfig) *circuitBreaker {
	return &circuitBreaker{config: cfg, provider: provider, now: time.Now}
}

// allow reports whether a call may go out. An open breaker closes once its
// cooldown has elapsed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		return true
	}
	if cb.now().After(cb.cooldownUntil) {
		cb.open = false
		cb.errors, cb.total = 0, 0
		log.Info().Str("provider", cb.provider).Msg("sanctions: circuit breaker closed (cooldown elapsed)")
		return true
	}
	return false
}

func (cb *circuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.total++
	if !success {
		cb.errors++
	}
	if cb.open || cb.total < cb.config.MinSamples {
		return
	}
	rate := float64(cb.errors) / float64(cb.total)
	if rate >= cb.config.ErrorPct {
		cb.open = true
		cb.cooldownUntil = cb.now().Add(cb.config.Cooldown)
		log.Warn().Str("provider", cb.provider).Float64("error_rate", rate).
			Time("cooldown_until", cb.cooldownUntil).Msg("sanctions: circuit breaker OPENED")
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}

// Package quality tracks freshness and continuity of the transaction feed per chain.
package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// ChainStats tracks feed quality for a single chain.
type ChainStats struct {
	Chain       string    `json:"chain"`
	LastBlock   uint64    `json:"last_block"`
	LastBlockAt time.Time `json:"last_block_at"` // chain time of the newest transaction
	LastSeen    time.Time `json:"last_seen"`     // wall time it arrived
	TxCount     int64     `json:"tx_count"`
	GapCount    int64     `json:"gap_count"`
	Regressions int64     `json:"regressions"` // block height went backwards past tolerance
	MaxLagMs    float64   `json:"max_lag_ms"`
	AvgLagMs    float64   `json:"avg_lag_ms"`
	StartTime   time.Time `json:"start_time"`

	totalLagMs float64
}

// Alert is a feed quality alert for one chain.
type Alert struct {
	Level   string    `json:"level"` // warning|critical
	Chain   string    `json:"chain"`
	Kind    string    `json:"kind"`  // feed_lag|block_gap|block_regression|feed_stale
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Config holds monitor thresholds.
type Config struct {
	LagThreshold  time.Duration `yaml:"lag_threshold"`  // chain time behind wall time
	MaxBlockGap   uint64        `yaml:"max_block_gap"`  // jumps above this count as gaps
	StaleAfter    time.Duration `yaml:"stale_after"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		LagThreshold:  2 * time.Minute,
		MaxBlockGap:   25,
		StaleAfter:    5 * time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// Monitor tracks data quality across all chains in the feed. It detects lag,
// stale chains and block height gaps or regressions.
type Monitor struct {
	mu      sync.RWMutex
	stats   map[string]*ChainStats
	alertCh chan Alert
	config  Config
	now     func() time.Time
}

// NewMonitor creates a feed quality monitor.
func NewMonitor(config Config) *Monitor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Monitor{
		stats:   make(map[string]*ChainStats),
		alertCh: make(chan Alert, 256),
		config:  config,
		now:     time.Now,
	}
}

// Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(chain string) *ChainStats {
	st, ok := m.stats[chain]
	if !ok {
		st = &ChainStats{Chain: chain, StartTime: m.now()}
		m.stats[chain] = st
	}
	return st
}

// Observe records a normalized window. At most one lag alert is raised per
// chain per call.
func (m *Monitor) Observe(txs []model.Transaction) {
	if len(txs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	worstLag := make(map[string]float64)
	for _, tx := range txs {
		st := m.getOrCreate(tx.Chain)
		st.TxCount++
		st.LastSeen = now

		lagMs := float64(now.Sub(tx.Timestamp).Milliseconds())
		if lagMs < 0 {
			lagMs = 0
		}
		st.totalLagMs += lagMs
		st.AvgLagMs = st.totalLagMs / float64(st.TxCount)
		if lagMs > st.MaxLagMs {
			st.MaxLagMs = lagMs
		}
		if lagMs > worstLag[tx.Chain] {
			worstLag[tx.Chain] = lagMs
		}

		m.checkHeight(st, tx.BlockNumber, now)
		if tx.BlockNumber >= st.LastBlock {
			st.LastBlock = tx.BlockNumber
			st.LastBlockAt = tx.Timestamp
		}
	}

	if m.config.LagThreshold <= 0 {
		return
	}
	limit := float64(m.config.LagThreshold.Milliseconds())
	for chain, lag := range worstLag {
		if lag > limit {
			m.emitAlert(Alert{
				Level:   "warning",
				Chain:   chain,
				Kind:    "feed_lag",
				Message: fmt.Sprintf("feed lag exceeds threshold: %.0fms > %.0fms", lag, limit),
				Ts:      now,
			})
		}
	}
}

// Caller must hold m.mu write lock.
func (m *Monitor) checkHeight(st *ChainStats, block uint64, now time.Time) {
	gap := m.config.MaxBlockGap
	if st.LastBlock == 0 || gap == 0 {
		return
	}
	switch {
	case block > st.LastBlock+gap:
		st.GapCount++
		m.emitAlert(Alert{
			Level:   "warning",
			Chain:   st.Chain,
			Kind:    "block_gap",
			Message: fmt.Sprintf("block gap %d -> %d (total gaps: %d)", st.LastBlock, block, st.GapCount),
			Ts:      now,
		})
	case block+gap < st.LastBlock:
		st.Regressions++
		m.emitAlert(Alert{
			Level:   "warning",
			Chain:   st.Chain,
			Kind:    "block_regression",
			Message: fmt.Sprintf("block height went back %d -> %d", st.LastBlock, block),
			Ts:      now,
		})
	}
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all current chain stats.
func (m *Monitor) Snapshot() map[string]ChainStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]ChainStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Stale returns the chains with no transaction for longer than StaleAfter,
// sorted.
func (m *Monitor) Stale() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	now := m.now()
	for chain, st := range m.stats {
		if m.config.StaleAfter > 0 && !st.LastSeen.IsZero() && now.Sub(st.LastSeen) > m.config.StaleAfter {
			out = append(out, chain)
		}
	}
	sort.Strings(out)
	return out
}

// Start checks for stale chains every CheckInterval. It blocks until the
// context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	log.Info().
		Dur("lag_threshold", m.config.LagThreshold).
		Dur("stale_after", m.config.StaleAfter).
		Msg("quality: monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: monitor stopped")
			return
		case <-ticker.C:
			m.checkStale()
		}
	}
}

func (m *Monitor) checkStale() {
	stale := m.Stale()
	if len(stale) == 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, chain := range stale {
		st := m.stats[chain]
		m.emitAlert(Alert{
			Level:   "critical",
			Chain:   chain,
			Kind:    "feed_stale",
			Message: fmt.Sprintf("no transactions for %s (last block %d)", now.Sub(st.LastSeen).Round(time.Second), st.LastBlock),
			Ts:      now,
		})
	}
}

// emitAlert sends an alert without blocking. A full channel drops the alert.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("chain", alert.Chain).
			Str("kind", alert.Kind).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}

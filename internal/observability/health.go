package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ComponentStatus is the health of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Probe reports the health of a component. A probe that does not return
// before the monitor's timeout is recorded as unhealthy.
type Probe func(ctx context.Context) (ComponentStatus, string)

// ComponentHealth is the last probe result of one component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
}

// SystemHealth aggregates every component; Status is the worst of them.
type SystemHealth struct {
	Status     ComponentStatus   `json:"status"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"ts"`
	Uptime     string            `json:"uptime"`
}

// TransitionFunc is called when a component changes status.
type TransitionFunc func(ctx context.Context, name string, from, to ComponentHealth)

// HealthMonitor probes registered components on an interval.
type HealthMonitor struct {
	interval time.Duration
	timeout  time.Duration
	started  time.Time

	mu           sync.RWMutex
	probes       map[string]Probe
	results      map[string]ComponentHealth
	onTransition TransitionFunc
}

// NewHealthMonitor creates a monitor. Each probe gets at most timeout.
func NewHealthMonitor(interval, timeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthMonitor{
		interval: interval,
		timeout:  timeout,
		started:  time.Now(),
		probes:   make(map[string]Probe),
		results:  make(map[string]ComponentHealth),
	}
}

// Register adds a named probe.
func (m *HealthMonitor) Register(name string, p Probe) {
	m.mu.Lock()
	m.probes[name] = p
	m.mu.Unlock()
}

// OnTransition installs fn as the status change callback.
func (m *HealthMonitor) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// Run probes immediately and then on every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs every probe concurrently and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for n, p := range m.probes {
		probes[n] = p
	}
	m.mu.RUnlock()

	var (
		resMu sync.Mutex
		fresh = make(map[string]ComponentHealth, len(probes))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range probes {
		g.Go(func() error {
			h := m.runProbe(gctx, name, p)
			resMu.Lock()
			fresh[name] = h
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	prev := m.results
	m.results = fresh
	notify := m.onTransition
	m.mu.Unlock()

	for name, cur := range fresh {
		old, seen := prev[name]
		if seen && old.Status == cur.Status {
			continue
		}
		if !seen && cur.Status == StatusHealthy {
			continue
		}
		ev := log.Warn()
		if cur.Status == StatusHealthy {
			ev = log.Info()
		} else if cur.Status == StatusUnhealthy {
			ev = log.Error()
		}
		ev.Str("component", name).Str("from", string(old.Status)).Str("to", string(cur.Status)).
			Str("message", cur.Message).Msg("health: status changed")
		if notify != nil {
			notify(ctx, name, old, cur)
		}
	}
	return m.Snapshot()
}

func (m *HealthMonitor) runProbe(ctx context.Context, name string, p Probe) ComponentHealth {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type result struct {
		status ComponentStatus
		msg    string
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		st, msg := p(pctx)
		ch <- result{st, msg}
	}()

	h := ComponentHealth{Name: name}
	select {
	case r := <-ch:
		h.Status, h.Message = r.status, r.msg
	case <-pctx.Done():
		h.Status, h.Message = StatusUnhealthy, "probe timed out"
	}
	h.LastChecked = time.Now()
	h.Latency = time.Since(start)
	return h
}

// Snapshot returns the last results without probing.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := SystemHealth{Status: StatusHealthy, Timestamp: time.Now(), Uptime: time.Since(m.started).Round(time.Second).String()}
	for _, h := range m.results {
		out.Components = append(out.Components, h)
		if h.Status.severity() > out.Status.severity() {
			out.Status = h.Status
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })
	return out
}

// Component returns the last result for name.
func (m *HealthMonitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// ServeHTTP probes and writes the aggregate as JSON. Unhealthy systems
// answer 503.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// Package observability provides process metrics, a Prometheus text exporter
// and component health checks.
package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Sample is one exported series value.
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// collector is implemented by every registered metric family.
type collector interface {
	meta() (name, help string, typ MetricType)
	samples() []Sample
}

// -----------------------------------------------------------------------
// Float cell
// -----------------------------------------------------------------------

// floatCell is a lock-free float64.
type floatCell struct{ bits atomic.Uint64 }

func (f *floatCell) load() float64 { return math.Float64frombits(f.bits.Load()) }

func (f *floatCell) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *floatCell) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter only goes up.
type Counter struct {
	name, help string
	labels     map[string]string
	v          floatCell
}

// Inc adds one.
func (c *Counter) Inc() { c.v.add(1) }

// Add adds delta. Negative and non-finite deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta <= 0 || math.IsInf(delta, 0) || math.IsNaN(delta) {
		return
	}
	c.v.add(delta)
}

// Value returns the current count.
func (c *Counter) Value() float64 { return c.v.load() }

func (c *Counter) meta() (string, string, MetricType) { return c.name, c.help, MetricCounter }

func (c *Counter) samples() []Sample {
	return []Sample{{Name: c.name, Labels: c.labels, Value: c.Value()}}
}

// CounterVec is a counter family partitioned by label values.
type CounterVec struct {
	name, help string
	labelNames []string
	series     *xsync.Map[string, *Counter]
}

// With returns the counter for the given label values, in label-name order.
// Missing values are treated as empty.
func (v *CounterVec) With(values ...string) *Counter {
	key := strings.Join(values, "\xff")
	if c, ok := v.series.Load(key); ok {
		return c
	}
	labels := make(map[string]string, len(v.labelNames))
	for i, n := range v.labelNames {
		if i < len(values) {
			labels[n] = values[i]
		} else {
			labels[n] = ""
		}
	}
	c, _ := v.series.LoadOrStore(key, &Counter{name: v.name, help: v.help, labels: labels})
	return c
}

// Total sums every series.
func (v *CounterVec) Total() float64 {
	var sum float64
	v.series.Range(func(_ string, c *Counter) bool {
		sum += c.Value()
		return true
	})
	return sum
}

func (v *CounterVec) meta() (string, string, MetricType) { return v.name, v.help, MetricCounter }

func (v *CounterVec) samples() []Sample {
	var out []Sample
	v.series.Range(func(_ string, c *Counter) bool {
		out = append(out, c.samples()...)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return labelKey(out[i].Labels) < labelKey(out[j].Labels) })
	return out
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge can go up and down.
type Gauge struct {
	name, help string
	v          floatCell
}

func (g *Gauge) Set(v float64)     { g.v.store(v) }
func (g *Gauge) Add(delta float64) { g.v.add(delta) }
func (g *Gauge) Inc()              { g.v.add(1) }
func (g *Gauge) Dec()              { g.v.add(-1) }
func (g *Gauge) Value() float64    { return g.v.load() }

// SetToCurrentTime sets the gauge to the current unix time in seconds.
func (g *Gauge) SetToCurrentTime() { g.Set(float64(time.Now().UnixNano()) / 1e9) }

func (g *Gauge) meta() (string, string, MetricType) { return g.name, g.help, MetricGauge }

func (g *Gauge) samples() []Sample { return []Sample{{Name: g.name, Value: g.Value()}} }

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into upper-bound inclusive buckets.
type Histogram struct {
	name, help string
	bounds     []float64 // sorted, unique

	mu     sync.Mutex
	counts []uint64 // per bucket, non-cumulative; last slot is +Inf
	sum    float64
	count  uint64
}

// Observe records v. NaN is ignored.
func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) {
		return
	}
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.count++
	h.mu.Unlock()
}

// ObserveDuration records d in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Snapshot returns bucket bounds with their cumulative counts, plus sum and
// total count.
func (h *Histogram) Snapshot() (bounds []float64, cumulative []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bounds = append([]float64(nil), h.bounds...)
	cumulative = make([]uint64, len(h.bounds))
	var run uint64
	for i := range h.bounds {
		run += h.counts[i]
		cumulative[i] = run
	}
	return bounds, cumulative, h.sum, h.count
}

// Quantile estimates the q-quantile (0..1) by linear interpolation inside
// the bucket holding the target rank. Ranks past the last bound return the
// last bound.
func (h *Histogram) Quantile(q float64) float64 {
	bounds, cum, _, count := h.Snapshot()
	if count == 0 || q < 0 || q > 1 || len(bounds) == 0 {
		return 0
	}
	target := q * float64(count)
	var prevBound, prevCum float64
	for i, b := range bounds {
		c := float64(cum[i])
		if c >= target {
			in := c - prevCum
			if in == 0 {
				return b
			}
			return prevBound + (target-prevCum)/in*(b-prevBound)
		}
		prevBound, prevCum = b, c
	}
	return bounds[len(bounds)-1]
}

func (h *Histogram) meta() (string, string, MetricType) { return h.name, h.help, MetricHistogram }

func (h *Histogram) samples() []Sample {
	bounds, cum, sum, count := h.Snapshot()
	out := make([]Sample, 0, len(bounds)+3)
	for i, b := range bounds {
		out = append(out, Sample{Name: h.name + "_bucket", Labels: map[string]string{"le": formatFloat(b)}, Value: float64(cum[i])})
	}
	out = append(out,
		Sample{Name: h.name + "_bucket", Labels: map[string]string{"le": "+Inf"}, Value: float64(count)},
		Sample{Name: h.name + "_sum", Value: sum},
		Sample{Name: h.name + "_count", Value: float64(count)},
	)
	return out
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry holds metric families by name. Registering a name twice returns
// the first family if the kinds match and panics otherwise.
type Registry struct {
	mu       sync.RWMutex
	families map[string]collector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]collector)}
}

func register[T collector](r *Registry, name string, build func() T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.families[name]; ok {
		t, ok := existing.(T)
		if !ok {
			panic("observability: metric " + name + " registered with a different type")
		}
		return t
	}
	m := build()
	r.families[name] = m
	return m
}

// Counter registers a counter.
func (r *Registry) Counter(name, help string) *Counter {
	return register(r, name, func() *Counter { return &Counter{name: name, help: help} })
}

// CounterVec registers a labeled counter family.
func (r *Registry) CounterVec(name, help string, labelNames ...string) *CounterVec {
	return register(r, name, func() *CounterVec {
		return &CounterVec{name: name, help: help, labelNames: labelNames, series: xsync.NewMap[string, *Counter]()}
	})
}

// Gauge registers a gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	return register(r, name, func() *Gauge { return &Gauge{name: name, help: help} })
}

// Histogram registers a histogram with the given bucket upper bounds.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return register(r, name, func() *Histogram {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		bounds = dedupSorted(bounds)
		return &Histogram{name: name, help: help, bounds: bounds, counts: make([]uint64, len(bounds)+1)}
	})
}

// Names returns registered family names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) family(name string) collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.families[name]
}

// Samples returns every series of every family, ordered by family name.
func (r *Registry) Samples() []Sample {
	var out []Sample
	for _, n := range r.Names() {
		out = append(out, r.family(n).samples()...)
	}
	return out
}

// DefaultLatencyBuckets are latency bounds in milliseconds.
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func dedupSorted(s []float64) []float64 {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("test_total", "help")
	c.Inc()
	c.Add(2.5)
	c.Add(-4)
	assert.InDelta(t, 3.5, c.Value(), 1e-9)
	assert.Same(t, c, r.Counter("test_total", "other help"))
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewRegistry().Counter("c", "")
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16000.0, c.Value())
}

func TestCounterVec(t *testing.T) {
	v := NewRegistry().CounterVec("signals_total", "", "type")
	v.With("sandwich_attack").Inc()
	v.With("sandwich_attack").Inc()
	v.With("whale_transfer").Add(3)
	assert.Equal(t, 2.0, v.With("sandwich_attack").Value())
	assert.Equal(t, 5.0, v.Total())

	s := v.samples()
	require.Len(t, s, 2)
	assert.Equal(t, "sandwich_attack", s[0].Labels["type"])
}

func TestRegistry_TypeClashPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("x", "")
	assert.Panics(t, func() { r.Gauge("x", "") })
}

func TestGauge(t *testing.T) {
	g := NewRegistry().Gauge("g", "")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Add(-2.5)
	assert.Equal(t, 7.5, g.Value())
}

func TestHistogram_Buckets(t *testing.T) {
	h := NewRegistry().Histogram("h", "", []float64{10, 1, 5, 5})
	for _, v := range []float64{0.5, 1, 3, 7, 100} {
		h.Observe(v)
	}
	bounds, cum, sum, count := h.Snapshot()
	assert.Equal(t, []float64{1, 5, 10}, bounds)
	assert.Equal(t, []uint64{2, 3, 4}, cum)
	assert.Equal(t, 111.5, sum)
	assert.Equal(t, uint64(5), count)
}

func TestHistogram_Quantile(t *testing.T) {
	h := NewRegistry().Histogram("h", "", []float64{10, 20, 30, 40})
	for i := 0; i < 80; i++ {
		h.Observe(float64(i%40) + 0.5)
	}
	assert.InDelta(t, 20, h.Quantile(0.5), 1e-9)
	assert.InDelta(t, 35, h.Quantile(0.875), 1e-9)
	assert.Equal(t, 0.0, NewRegistry().Histogram("e", "", []float64{1}).Quantile(0.5))
	assert.Equal(t, 0.0, h.Quantile(1.5))
}

func TestHistogram_ObserveDuration(t *testing.T) {
	h := NewRegistry().Histogram("h", "", DefaultLatencyBuckets)
	h.ObserveDuration(250 * time.Millisecond)
	assert.Equal(t, 250.0, h.Sum())
	assert.Equal(t, uint64(1), h.Count())
}

func TestExporter_Format(t *testing.T) {
	r := NewRegistry()
	r.Counter("a_total", "Counts a").Add(3)
	r.CounterVec("b_total", "Counts b", "kind").With(`x"y`).Inc()
	r.Gauge("c", "Gauge c").Set(1.25)
	h := r.Histogram("d_ms", "Latency", []float64{5, 10})
	h.Observe(3)
	h.Observe(7)

	out := NewPrometheusExporter(r).Format()
	assert.Contains(t, out, "# HELP a_total Counts a\n# TYPE a_total counter\na_total 3\n")
	assert.Contains(t, out, `b_total{kind="x\"y"} 1`)
	assert.Contains(t, out, "c 1.25\n")
	assert.Contains(t, out, "# TYPE d_ms histogram\n")
	assert.Contains(t, out, `d_ms_bucket{le="5"} 1`)
	assert.Contains(t, out, `d_ms_bucket{le="10"} 2`)
	assert.Contains(t, out, `d_ms_bucket{le="+Inf"} 2`)
	assert.Contains(t, out, "d_ms_sum 10\n")
	assert.Contains(t, out, "d_ms_count 2\n")
	assert.Less(t, strings.Index(out, "a_total"), strings.Index(out, "b_total"))
}

func TestExporter_SkipsEmptyVec(t *testing.T) {
	r := NewRegistry()
	r.CounterVec("unused_total", "", "x")
	assert.NotContains(t, NewPrometheusExporter(r).Format(), "unused_total")
}

func TestExporter_ServeHTTP(t *testing.T) {
	m := NewPipelineMetrics()
	m.Transactions.Add(42)
	m.Signals.With("liquidation").Inc()

	rec := httptest.NewRecorder()
	NewPrometheusExporter(m.Registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "chainintel_transactions_total 42")
	assert.Contains(t, rec.Body.String(), `chainintel_signals_total{type="liquidation"} 1`)
}

func TestPipelineMetrics_Stages(t *testing.T) {
	m := NewPipelineMetrics()
	assert.Same(t, m.StageLatency[StageCluster], m.Stage(StageCluster))
	extra := m.Stage("replay")
	assert.Same(t, extra, m.Stage("replay"))
}

func TestHealthMonitor_Aggregate(t *testing.T) {
	m := NewHealthMonitor(time.Hour, time.Second)
	m.Register("graph", func(context.Context) (ComponentStatus, string) { return StatusHealthy, "" })
	m.Register("sanctions", func(context.Context) (ComponentStatus, string) { return StatusDegraded, "1 breaker open" })

	h := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "graph", h.Components[0].Name)

	c, ok := m.Component("sanctions")
	require.True(t, ok)
	assert.Equal(t, "1 breaker open", c.Message)
}

func TestHealthMonitor_ProbeTimeout(t *testing.T) {
	m := NewHealthMonitor(time.Hour, 20*time.Millisecond)
	m.Register("slow", func(ctx context.Context) (ComponentStatus, string) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return StatusHealthy, ""
	})
	h := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, "probe timed out", h.Components[0].Message)
}

func TestHealthMonitor_Transitions(t *testing.T) {
	var mu sync.Mutex
	status := StatusHealthy
	var seen []string

	m := NewHealthMonitor(time.Hour, time.Second)
	m.Register("kafka", func(context.Context) (ComponentStatus, string) {
		mu.Lock()
		defer mu.Unlock()
		return status, ""
	})
	m.OnTransition(func(_ context.Context, name string, from, to ComponentHealth) {
		seen = append(seen, name+":"+string(from.Status)+"->"+string(to.Status))
	})

	ctx := context.Background()
	m.Check(ctx) // first healthy result is not a transition
	mu.Lock()
	status = StatusUnhealthy
	mu.Unlock()
	m.Check(ctx)
	m.Check(ctx)
	mu.Lock()
	status = StatusHealthy
	mu.Unlock()
	m.Check(ctx)

	assert.Equal(t, []string{"kafka:healthy->unhealthy", "kafka:unhealthy->healthy"}, seen)
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	m := NewHealthMonitor(time.Hour, time.Second)
	m.Register("store", func(context.Context) (ComponentStatus, string) { return StatusUnhealthy, "down" })

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

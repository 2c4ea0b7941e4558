package observability

// PipelineMetrics are the metrics recorded by the intelligence pipeline.
type PipelineMetrics struct {
	Registry *Registry

	Windows             *CounterVec // outcome: ok|aborted|cancelled
	Transactions        *Counter
	Malformed           *Counter
	Signals             *CounterVec // type
	DuplicateSignals    *Counter
	EntitiesCreated     *Counter
	EntitiesMerged      *Counter
	EntityConflicts     *Counter
	InvariantViolations *Counter
	SanctionsChecks     *CounterVec // source: denylist|cache|provider|stale|degraded
	RiskScores          *CounterVec // degraded: true|false
	SinkErrors          *CounterVec // output

	Entities        *Gauge
	OpenBreakers    *Gauge
	LastWindowUnix  *Gauge
	ModelReloadUnix *Gauge

	WindowLatency *Histogram
	StageLatency  map[string]*Histogram
}

// Pipeline stages with their own latency histogram.
const (
	StageNormalize = "normalize"
	StageFeatures  = "features"
	StageDetect    = "detect"
	StageSanctions = "sanctions"
	StageCluster   = "cluster"
	StageRisk      = "risk"
	StagePublish   = "publish"
)

// NewPipelineMetrics registers the pipeline metric set on a new registry.
func NewPipelineMetrics() *PipelineMetrics {
	r := NewRegistry()
	m := &PipelineMetrics{
		Registry: r,

		Windows:             r.CounterVec("chainintel_windows_total", "Processing windows by outcome", "outcome"),
		Transactions:        r.Counter("chainintel_transactions_total", "Normalized transactions"),
		Malformed:           r.Counter("chainintel_malformed_transactions_total", "Raw transactions dropped as malformed"),
		Signals:             r.CounterVec("chainintel_signals_total", "Emitted signals by type", "type"),
		DuplicateSignals:    r.Counter("chainintel_signals_duplicate_total", "Signals suppressed by deduplication"),
		EntitiesCreated:     r.Counter("chainintel_entities_created_total", "Entities created"),
		EntitiesMerged:      r.Counter("chainintel_entities_merged_total", "Entity merges and member additions"),
		EntityConflicts:     r.Counter("chainintel_entity_version_conflicts_total", "Optimistic write conflicts"),
		InvariantViolations: r.Counter("chainintel_clustering_invariant_violations_total", "Windows aborted for double membership"),
		SanctionsChecks:     r.CounterVec("chainintel_sanctions_checks_total", "Sanctions results by source", "source"),
		RiskScores:          r.CounterVec("chainintel_risk_scores_total", "Risk scores computed", "degraded"),
		SinkErrors:          r.CounterVec("chainintel_sink_errors_total", "Output delivery failures", "output"),

		Entities:        r.Gauge("chainintel_entities", "Entities in the graph store"),
		OpenBreakers:    r.Gauge("chainintel_sanctions_open_breakers", "Sanctions providers with an open breaker"),
		LastWindowUnix:  r.Gauge("chainintel_last_window_timestamp_seconds", "Completion time of the last window"),
		ModelReloadUnix: r.Gauge("chainintel_risk_model_reload_timestamp_seconds", "Time of the last successful model load"),

		WindowLatency: r.Histogram("chainintel_window_duration_ms", "End-to-end window latency", DefaultLatencyBuckets),
		StageLatency:  make(map[string]*Histogram),
	}
	for _, s := range []string{StageNormalize, StageFeatures, StageDetect, StageSanctions, StageCluster, StageRisk, StagePublish} {
		m.StageLatency[s] = r.Histogram("chainintel_stage_"+s+"_duration_ms", "Latency of the "+s+" stage", DefaultLatencyBuckets)
	}
	return m
}

// Stage returns the latency histogram for stage.
func (m *PipelineMetrics) Stage(stage string) *Histogram {
	if h, ok := m.StageLatency[stage]; ok {
		return h
	}
	return m.Registry.Histogram("chainintel_stage_"+stage+"_duration_ms", "Latency of the "+stage+" stage", DefaultLatencyBuckets)
}

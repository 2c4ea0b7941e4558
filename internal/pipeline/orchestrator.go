// Package pipeline runs processing windows through every intelligence stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/nexus-trading/chainintel/internal/audit"
	"github.com/nexus-trading/chainintel/internal/cluster"
	"github.com/nexus-trading/chainintel/internal/detect"
	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/ingest"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/nexus-trading/chainintel/internal/normalize"
	"github.com/nexus-trading/chainintel/internal/observability"
	"github.com/nexus-trading/chainintel/internal/quality"
	"github.com/nexus-trading/chainintel/internal/risk"
	"github.com/nexus-trading/chainintel/internal/sanctions"
	"github.com/nexus-trading/chainintel/internal/sink"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Orchestrator
// normalize -> features -> {detect -> cluster | sanctions} -> risk -> publish
// A window either publishes all of its signals and scores or none of them.
// Entity writes are committed as they happen and survive an aborted window.
// ---------------------------------------------------------------------------

// Config configures the Orchestrator.
type Config struct {
	Window        model.WindowSpec `yaml:"window"`
	WindowTimeout time.Duration    `yaml:"window_timeout"`              // 0 = no deadline
	Workers       int              `yaml:"workers" validate:"gte=1"`    // windows processed concurrently
	QueueSize     int              `yaml:"queue_size" validate:"gte=0"` // pending windows before NextBatch blocks
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:        model.WindowSpec{MaxTransactions: 5000, MaxDuration: 15 * time.Second},
		WindowTimeout: 2 * time.Minute,
		Workers:       1,
		QueueSize:     4,
	}
}

// Deps are the stage implementations. Sink, Metrics, Quality and Audit are
// optional.
type Deps struct {
	Normalizer *normalize.Normalizer
	Extractor  *features.Extractor
	Detector   *detect.Detector
	Cluster    *cluster.Engine
	Store      graphstore.Store
	Sanctions  *sanctions.Screener
	Risk       *risk.Engine
	Sink       sink.Sink
	Metrics    *observability.PipelineMetrics
	Quality    *quality.Monitor
	Audit      *audit.Trail
}

// WindowResult summarizes one processed window.
type WindowResult struct {
	WindowID     string
	Transactions int
	Malformed    int
	Signals      []model.Signal
	Duplicates   int
	Created      []model.Entity
	Updated      []model.Entity
	Sanctions    map[string]model.SanctionsResult
	RiskScores   []model.RiskScore
	Duration     time.Duration
}

// Orchestrator runs windows through the stages.
type Orchestrator struct {
	config Config
	deps   Deps

	windows   atomic.Int64
	completed atomic.Int64
	aborted   atomic.Int64
	cancelled atomic.Int64
	failed    atomic.Int64
	paused    atomic.Bool

	mu         sync.RWMutex
	lastWindow string
	lastAt     time.Time
}

// New creates an Orchestrator. Every stage except Sink and Metrics is
// required.
func New(config Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("pipeline: normalizer is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: feature extractor is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Cluster == nil || deps.Store == nil:
		return nil, errors.New("pipeline: clustering engine and store are required")
	case deps.Sanctions == nil:
		return nil, errors.New("pipeline: sanctions screener is required")
	case deps.Risk == nil:
		return nil, errors.New("pipeline: risk engine is required")
	}
	if deps.Sink == nil {
		deps.Sink = sink.LogSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewPipelineMetrics()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Orchestrator{config: config, deps: deps}, nil
}

// Metrics returns the pipeline metrics.
func (o *Orchestrator) Metrics() *observability.PipelineMetrics { return o.deps.Metrics }

// ProcessWindow runs raws through every stage as one window.
//
// It returns *model.ClusteringInvariantViolation, wrapped, when clustering
// leaves an address in two entities; the window is aborted and an alert is
// raised. A cancelled or timed out window returns ctx's error, publishes
// no signals or scores and claims no dedup keys.
func (o *Orchestrator) ProcessWindow(ctx context.Context, raws []model.RawTransaction) (*WindowResult, error) {
	start := time.Now()
	o.windows.Add(1)
	m := o.deps.Metrics

	if o.config.WindowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.WindowTimeout)
		defer cancel()
	}

	t := time.Now()
	txs, dropped := o.deps.Normalizer.NormalizeBatch(raws)
	m.Stage(observability.StageNormalize).ObserveDuration(time.Since(t))
	m.Transactions.Add(float64(len(txs)))
	m.Malformed.Add(float64(dropped))
	if o.deps.Quality != nil {
		o.deps.Quality.Observe(txs)
	}

	t = time.Now()
	w, err := o.deps.Extractor.Extract(ctx, txs)
	m.Stage(observability.StageFeatures).ObserveDuration(time.Since(t))
	if err != nil {
		return nil, o.finish(ctx, "", start, err)
	}

	res := &WindowResult{WindowID: w.ID, Transactions: len(txs), Malformed: dropped}
	ctx = sink.WithWindow(ctx, w.ID)

	var (
		rep      detect.Report
		resolved *cluster.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.Now()
		r, err := o.deps.Detector.Detect(gctx, w.Transactions)
		m.Stage(observability.StageDetect).ObserveDuration(time.Since(t))
		if err != nil {
			return err
		}
		rep = r

		t = time.Now()
		resolved, err = o.deps.Cluster.Resolve(gctx, w, cluster.Hints{MEVActors: r.MEVActors})
		m.Stage(observability.StageCluster).ObserveDuration(time.Since(t))
		return err
	})
	g.Go(func() error {
		t := time.Now()
		out, err := o.deps.Sanctions.CheckBatch(gctx, w.Addresses)
		m.Stage(observability.StageSanctions).ObserveDuration(time.Since(t))
		if err != nil {
			return fmt.Errorf("pipeline: sanctions: %w", err)
		}
		res.Sanctions = out
		return nil
	})
	err = g.Wait()

	// Committed entity changes are published whatever happens next.
	if resolved != nil {
		res.Created, res.Updated = resolved.Created, resolved.Updated
		o.publishEntities(context.WithoutCancel(ctx), resolved)
	}
	if err != nil {
		return res, o.finish(ctx, w.ID, start, err)
	}

	res.Signals, res.Duplicates = rep.Signals, rep.Duplicates
	owners := newOwnerLookup(o.deps.Store, resolved)
	for i := range res.Signals {
		if a := res.Signals[i].Actor; a != "" {
			res.Signals[i].EntityID = owners.entityID(ctx, a)
		}
	}
	o.writeRelationships(ctx, w, res.Signals)

	t = time.Now()
	inputs := o.riskInputs(ctx, w, rep, res, owners)
	scores, err := o.deps.Risk.ScoreAll(ctx, inputs)
	m.Stage(observability.StageRisk).ObserveDuration(time.Since(t))
	if err != nil {
		return res, o.finish(ctx, w.ID, start, err)
	}

	// Last point at which the window can still be dropped as a whole.
	if err := ctx.Err(); err != nil {
		return res, o.finish(ctx, w.ID, start, err)
	}
	res.RiskScores = scores

	// Claim signal keys only now, so an aborted window can be replayed.
	var dups int
	res.Signals, dups = o.deps.Detector.Commit(context.WithoutCancel(ctx), rep, res.Signals)
	res.Duplicates += dups

	t = time.Now()
	o.publish(ctx, res)
	m.Stage(observability.StagePublish).ObserveDuration(time.Since(t))

	res.Duration = time.Since(start)
	o.recordSuccess(res)
	return res, o.finish(ctx, w.ID, start, nil)
}

// Run pulls windows from src until it is exhausted or ctx is done. Windows
// are processed on a pool of Workers; a failed window is logged and the
// next one proceeds. Run returns nil when src is exhausted.
func (o *Orchestrator) Run(ctx context.Context, src ingest.Source) error {
	opts := []pond.Option{pond.WithContext(ctx)}
	if o.config.QueueSize > 0 {
		opts = append(opts, pond.WithQueueSize(o.config.QueueSize))
	}
	pool := pond.NewPool(o.config.Workers, opts...)
	defer pool.StopAndWait()

	log.Info().
		Int("workers", o.config.Workers).
		Int("max_txs", o.config.Window.MaxTransactions).
		Dur("max_duration", o.config.Window.MaxDuration).
		Msg("pipeline: started")

	for {
		if o.paused.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pausePoll):
			}
			continue
		}

		raws, err := src.NextBatch(ctx, o.config.Window)
		switch {
		case errors.Is(err, ingest.ErrExhausted):
			log.Info().Msg("pipeline: source exhausted")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return fmt.Errorf("pipeline: next batch: %w", err)
		case len(raws) == 0:
			continue
		}

		pool.Submit(func() {
			// Errors are logged and counted by finish.
			_, _ = o.ProcessWindow(ctx, raws)
		})
	}
}

const pausePoll = 100 * time.Millisecond

// Pause stops Run from pulling new windows. Windows already submitted finish.
func (o *Orchestrator) Pause() {
	if !o.paused.Swap(true) {
		log.Warn().Msg("pipeline: paused")
	}
}

// Resume undoes Pause.
func (o *Orchestrator) Resume() {
	if o.paused.Swap(false) {
		log.Info().Msg("pipeline: resumed")
	}
}

// Paused reports whether the pipeline is paused.
func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// finish records the window outcome and raises alerts for aborted windows.
func (o *Orchestrator) finish(ctx context.Context, windowID string, start time.Time, err error) error {
	m := o.deps.Metrics
	m.WindowLatency.ObserveDuration(time.Since(start))

	var violation *model.ClusteringInvariantViolation
	switch {
	case err == nil:
		o.completed.Add(1)
		m.Windows.With("ok").Inc()
		m.LastWindowUnix.SetToCurrentTime()
		return nil

	case errors.As(err, &violation):
		o.aborted.Add(1)
		m.Windows.With("aborted").Inc()
		m.InvariantViolations.Inc()
		log.Error().Err(err).Str("window", windowID).Str("address", violation.Address).
			Strs("entities", violation.EntityIDs).Msg("pipeline: window aborted on clustering invariant")
		details := map[string]string{
			"window":   windowID,
			"address":  violation.Address,
			"entities": strings.Join(violation.EntityIDs, ","),
		}
		if aerr := o.deps.Sink.Alert(context.WithoutCancel(ctx), sink.SeverityCritical, "clustering_invariant_violation",
			"address claimed by more than one entity", details); aerr != nil {
			m.SinkErrors.With("alert").Inc()
			log.Error().Err(aerr).Msg("pipeline: alert delivery failed")
		}
		if o.deps.Audit != nil {
			o.deps.Audit.RecordWindowAborted(windowID, err)
		}
		return fmt.Errorf("pipeline: window %s aborted: %w", windowID, err)

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.cancelled.Add(1)
		m.Windows.With("cancelled").Inc()
		log.Warn().Err(err).Str("window", windowID).Msg("pipeline: window cancelled, outputs discarded")
		return fmt.Errorf("pipeline: window %s: %w", windowID, err)

	default:
		o.failed.Add(1)
		m.Windows.With("failed").Inc()
		log.Error().Err(err).Str("window", windowID).Msg("pipeline: window failed")
		return fmt.Errorf("pipeline: window %s: %w", windowID, err)
	}
}

func (o *Orchestrator) recordSuccess(res *WindowResult) {
	m := o.deps.Metrics
	for _, s := range res.Signals {
		m.Signals.With(string(s.Type)).Inc()
	}
	m.DuplicateSignals.Add(float64(res.Duplicates))
	m.EntitiesCreated.Add(float64(len(res.Created)))
	m.EntitiesMerged.Add(float64(len(res.Updated)))
	for _, r := range res.Sanctions {
		m.SanctionsChecks.With(sanctionsSource(r)).Inc()
	}
	for _, rs := range res.RiskScores {
		m.RiskScores.With(strconv.FormatBool(rs.Degraded)).Inc()
	}
	m.OpenBreakers.Set(float64(o.deps.Sanctions.Stats().OpenBreakers))
	if ms, ok := o.deps.Store.(*graphstore.MemoryStore); ok {
		m.Entities.Set(float64(ms.Stats().Entities))
	}

	o.mu.Lock()
	o.lastWindow, o.lastAt = res.WindowID, time.Now()
	o.mu.Unlock()

	log.Info().
		Str("window", res.WindowID).
		Int("txs", res.Transactions).
		Int("malformed", res.Malformed).
		Int("signals", len(res.Signals)).
		Int("entities_created", len(res.Created)).
		Int("entities_updated", len(res.Updated)).
		Int("risk_scores", len(res.RiskScores)).
		Dur("took", res.Duration).
		Msg("pipeline: window processed")
}

func sanctionsSource(r model.SanctionsResult) string {
	switch {
	case r.Degraded:
		return "degraded"
	case r.Stale:
		return "stale"
	case r.Source == "denylist", r.Source == "invalid":
		return r.Source
	}
	return "provider"
}

// ---------------------------------------------------------------------------
// Risk inputs
// ---------------------------------------------------------------------------

func (o *Orchestrator) riskInputs(ctx context.Context, w *features.Window, rep detect.Report,
	res *WindowResult, owners *ownerLookup) map[string]risk.Input {

	whales := make(map[string]int)
	for _, s := range res.Signals {
		switch s.Type {
		case model.SignalWhaleTransfer, model.SignalAccumulation, model.SignalDistribution:
			whales[s.Actor]++
		}
	}

	inputs := make(map[string]risk.Input, len(w.Addresses))
	for _, addr := range w.Addresses {
		in := risk.Input{
			Vector:     w.Vectors[addr],
			MEVCount:   rep.MEVActors[addr],
			WhaleCount: whales[addr],
		}
		if r, ok := res.Sanctions[addr]; ok {
			in.Sanctions = &r
		}
		if id := owners.entityID(ctx, addr); id != "" {
			in.ClusterConfidence = owners.confidence(ctx, id)
		}
		inputs[addr] = in
	}
	return inputs
}

// ownerLookup resolves address ownership for one window, preferring the
// assignments the window just made.
type ownerLookup struct {
	store       graphstore.Store
	assignments map[string]string
	entities    map[string]model.Entity
	misses      map[string]struct{}
}

func newOwnerLookup(store graphstore.Store, res *cluster.Result) *ownerLookup {
	l := &ownerLookup{store: store, entities: make(map[string]model.Entity), misses: make(map[string]struct{})}
	if res != nil {
		l.assignments = res.Assignments
		for _, e := range res.Created {
			l.entities[e.ID] = e
		}
		for _, e := range res.Updated {
			l.entities[e.ID] = e
		}
	}
	return l
}

func (l *ownerLookup) entityID(ctx context.Context, addr string) string {
	if id, ok := l.assignments[addr]; ok {
		return id
	}
	id, err := l.store.EntityForAddress(ctx, addr)
	if err != nil {
		log.Debug().Err(err).Str("address", addr).Msg("pipeline: owner lookup failed")
		return ""
	}
	return id
}

func (l *ownerLookup) confidence(ctx context.Context, id string) float64 {
	if e, ok := l.entities[id]; ok {
		return e.Confidence
	}
	if _, ok := l.misses[id]; ok {
		return 0
	}
	e, err := l.store.QueryEntity(ctx, id)
	if err != nil {
		l.misses[id] = struct{}{}
		return 0
	}
	l.entities[id] = e
	return e.Confidence
}

// ---------------------------------------------------------------------------
// Graph relationships
// ---------------------------------------------------------------------------

// writeRelationships records value transfers and sandwich victims.
// Failures are logged; relationships are best effort.
func (o *Orchestrator) writeRelationships(ctx context.Context, w *features.Window, signals []model.Signal) {
	var failures int
	for _, t := range w.Transfers() {
		if err := o.deps.Store.CreateRelationship(ctx, t.From, t.To, graphstore.RelTransferredTo, t.Value); err != nil {
			failures++
		}
	}

	var byHash map[string]model.Transaction
	for _, s := range signals {
		if s.Type != model.SignalSandwichAttack || len(s.TxHashes) != 3 {
			continue
		}
		if byHash == nil {
			byHash = make(map[string]model.Transaction, len(w.Transactions))
			for _, tx := range w.Transactions {
				byHash[tx.Hash] = tx
			}
		}
		victim, ok := byHash[s.TxHashes[1]]
		if !ok || victim.From == s.Actor {
			continue
		}
		if err := o.deps.Store.CreateRelationship(ctx, s.Actor, victim.From, graphstore.RelSandwiched, s.EstimatedValue); err != nil {
			failures++
		}
	}
	if failures > 0 {
		log.Warn().Str("window", w.ID).Int("failures", failures).Msg("pipeline: relationship writes failed")
	}
}

// ---------------------------------------------------------------------------
// Publishing
// ---------------------------------------------------------------------------

func (o *Orchestrator) publishEntities(ctx context.Context, res *cluster.Result) {
	for _, e := range res.Created {
		o.deliver("entity", o.deps.Sink.PublishEntity(ctx, e, sink.ActionCreated))
		if o.deps.Audit != nil {
			o.deps.Audit.RecordEntity(sink.WindowFrom(ctx), e, sink.ActionCreated)
		}
	}
	for _, e := range res.Updated {
		o.deliver("entity", o.deps.Sink.PublishEntity(ctx, e, sink.ActionUpdated))
		if o.deps.Audit != nil {
			o.deps.Audit.RecordEntity(sink.WindowFrom(ctx), e, sink.ActionUpdated)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, res *WindowResult) {
	for _, s := range res.Signals {
		o.deliver("signal", o.deps.Sink.PublishSignal(ctx, s))
	}
	o.deps.Risk.Put(res.RiskScores...)
	for _, rs := range res.RiskScores {
		o.deliver("risk_score", o.deps.Sink.PublishRiskScore(ctx, rs))
	}
	if o.deps.Audit != nil {
		for _, addr := range sortedAddresses(res.Sanctions) {
			o.deps.Audit.RecordSanctions(res.WindowID, res.Sanctions[addr])
		}
	}
}

func sortedAddresses(m map[string]model.SanctionsResult) []string {
	out := make([]string, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// deliver counts and logs a failed publish. Sinks are fire-and-forget.
func (o *Orchestrator) deliver(output string, err error) {
	if err == nil {
		return
	}
	o.deps.Metrics.SinkErrors.With(output).Inc()
	log.Warn().Err(err).Str("output", output).Msg("pipeline: publish failed")
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats holds orchestrator statistics.
type Stats struct {
	Windows    int64     `json:"windows"`
	Completed  int64     `json:"completed"`
	Aborted    int64     `json:"aborted"`
	Cancelled  int64     `json:"cancelled"`
	Failed     int64     `json:"failed"`
	Paused     bool      `json:"paused"`
	LastWindow string    `json:"last_window,omitempty"`
	LastAt     time.Time `json:"last_at,omitempty"`
}

// Stats returns current statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Stats{
		Windows:    o.windows.Load(),
		Completed:  o.completed.Load(),
		Aborted:    o.aborted.Load(),
		Cancelled:  o.cancelled.Load(),
		Failed:     o.failed.Load(),
		Paused:     o.paused.Load(),
		LastWindow: o.lastWindow,
		LastAt:     o.lastAt,
	}
}

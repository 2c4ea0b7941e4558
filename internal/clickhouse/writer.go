package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// SignalRow is one row of the signals table.
type SignalRow struct {
	SignalID       string
	WindowID       string
	SignalType     string
	TxHashes       []string
	Confidence     float64
	EstimatedValue float64
	Actor          string
	EntityID       string
	DetectedAt     time.Time
}

func (r SignalRow) values() []any {
	return []any{r.SignalID, r.WindowID, r.SignalType, r.TxHashes, r.Confidence,
		r.EstimatedValue, r.Actor, r.EntityID, r.DetectedAt}
}

// RiskScoreRow is one row of the risk_scores table.
type RiskScoreRow struct {
	Address       string
	WindowID      string
	Score         float64
	Contributions map[string]float64
	Degraded      bool
	ModelVersion  string
	ComputedAt    time.Time
}

func (r RiskScoreRow) values() []any {
	var degraded uint8
	if r.Degraded {
		degraded = 1
	}
	return []any{r.Address, r.WindowID, r.Score, r.Contributions, degraded, r.ModelVersion, r.ComputedAt}
}

// EntityRow is one row of the entities table.
type EntityRow struct {
	EntityID      string
	WindowID      string
	Action        string
	EntityType    string
	Members       []string
	Confidence    float64
	Version       uint64
	LastUpdatedAt time.Time
}

func (r EntityRow) values() []any {
	return []any{r.EntityID, r.WindowID, r.Action, r.EntityType, r.Members, r.Confidence,
		r.Version, r.LastUpdatedAt}
}

var columns = map[string][]string{
	tableSignals: {"signal_id", "window_id", "signal_type", "tx_hashes", "confidence",
		"estimated_value", "actor_address", "entity_id", "detected_at"},
	tableRiskScores: {"address", "window_id", "score", "contributions", "degraded",
		"model_version", "computed_at"},
	tableEntities: {"entity_id", "window_id", "action", "entity_type", "members", "confidence",
		"version", "last_updated_at"},
}

// WindowFunc extracts the processing window ID from a publish context.
type WindowFunc func(ctx context.Context) string

// Writer buffers signals, risk scores and entity snapshots and writes them
// to ClickHouse in batches. A batch is flushed when any buffer reaches
// BatchSize, on every FlushInterval tick, and on Close.
//
// Writer has the method set of sink.Sink so it can sit in a fan-out next to
// the Kafka sink.
type Writer struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	window        WindowFunc

	mu         sync.Mutex
	signals    []SignalRow
	riskScores []RiskScoreRow
	entities   []EntityRow
	closed     bool

	flushMu    sync.Mutex
	flushCount atomic.Int64
	rowCount   atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewWriter creates an archive writer. client may be nil when a flush hook
// is installed.
func NewWriter(client *Client, cfg Config, window WindowFunc) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if window == nil {
		window = func(context.Context) string { return "" }
	}
	return &Writer{
		client:        client,
		database:      cfg.Database,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		window:        window,
	}
}

func (w *Writer) tableName(name string) string {
	return qualify(w.database, name)
}

// add appends under the lock and reports whether a flush is due.
func (w *Writer) add(fn func() int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, fmt.Errorf("clickhouse: writer is closed")
	}
	return fn() >= w.batchSize, nil
}

func (w *Writer) flushIfDue(ctx context.Context, due bool, err error) error {
	if err != nil || !due {
		return err
	}
	return w.Flush(ctx)
}

// PublishSignal buffers s.
func (w *Writer) PublishSignal(ctx context.Context, s model.Signal) error {
	row := SignalRow{
		SignalID:       s.ID,
		WindowID:       w.window(ctx),
		SignalType:     s.Type.String(),
		TxHashes:       append([]string(nil), s.TxHashes...),
		Confidence:     s.Confidence,
		EstimatedValue: s.EstimatedValue,
		Actor:          s.Actor,
		EntityID:       s.EntityID,
		DetectedAt:     s.DetectedAt.UTC(),
	}
	due, err := w.add(func() int {
		w.signals = append(w.signals, row)
		return len(w.signals)
	})
	return w.flushIfDue(ctx, due, err)
}

// PublishRiskScore buffers rs.
func (w *Writer) PublishRiskScore(ctx context.Context, rs model.RiskScore) error {
	contrib := make(map[string]float64, len(rs.Contributions))
	for _, c := range rs.Contributions {
		contrib[c.Feature] = c.Weight
	}
	row := RiskScoreRow{
		Address:       rs.Address,
		WindowID:      w.window(ctx),
		Score:         rs.Score,
		Contributions: contrib,
		Degraded:      rs.Degraded,
		ModelVersion:  rs.ModelVersion,
		ComputedAt:    rs.ComputedAt.UTC(),
	}
	due, err := w.add(func() int {
		w.riskScores = append(w.riskScores, row)
		return len(w.riskScores)
	})
	return w.flushIfDue(ctx, due, err)
}

// PublishEntity buffers a snapshot of e.
func (w *Writer) PublishEntity(ctx context.Context, e model.Entity, action string) error {
	row := EntityRow{
		EntityID:      e.ID,
		WindowID:      w.window(ctx),
		Action:        action,
		EntityType:    e.Type.String(),
		Members:       append([]string(nil), e.Members...),
		Confidence:    e.Confidence,
		Version:       e.Version,
		LastUpdatedAt: e.LastUpdatedAt.UTC(),
	}
	due, err := w.add(func() int {
		w.entities = append(w.entities, row)
		return len(w.entities)
	})
	return w.flushIfDue(ctx, due, err)
}

// Alert is not archived.
func (w *Writer) Alert(context.Context, string, string, string, map[string]string) error {
	return nil
}

// Start begins the background flush loop.
func (w *Writer) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().Str("database", w.database).Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).Msg("clickhouse: archive writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes every buffered row. Rows of a failed table are dropped and
// counted; the other tables are still written.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	signals, scores, entities := w.signals, w.riskScores, w.entities
	w.signals, w.riskScores, w.entities = nil, nil, nil
	w.mu.Unlock()

	if len(signals)+len(scores)+len(entities) == 0 {
		return nil
	}

	var firstErr error
	write := func(table string, rows [][]any) {
		if len(rows) == 0 {
			return
		}
		if err := w.insert(ctx, table, rows); err != nil {
			w.errorCount.Add(1)
			log.Error().Err(err).Str("table", table).Int("rows", len(rows)).Msg("clickhouse: flush failed")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		w.rowCount.Add(int64(len(rows)))
	}

	write(tableSignals, toValues(signals, SignalRow.values))
	write(tableRiskScores, toValues(scores, RiskScoreRow.values))
	write(tableEntities, toValues(entities, EntityRow.values))

	w.flushCount.Add(1)
	log.Debug().Int("signals", len(signals)).Int("risk_scores", len(scores)).
		Int("entities", len(entities)).Msg("clickhouse: flushed")
	return firstErr
}

func toValues[T any](rows []T, fn func(T) []any) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = fn(r)
	}
	return out
}

func (w *Writer) insert(ctx context.Context, table string, rows [][]any) error {
	name := w.tableName(table)
	if w.flushHook != nil {
		return w.flushHook(ctx, name, rows)
	}
	if w.client == nil {
		return fmt.Errorf("clickhouse: no client for %s", name)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", name, strings.Join(columns[table], ", "))
	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare %s: %w", name, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("clickhouse: append %s: %w", name, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send %s: %w", name, err)
	}
	return nil
}

// Close stops the flush loop and writes what is left.
func (w *Writer) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(context.Background())
	log.Info().Int64("flushes", w.flushCount.Load()).Int64("rows", w.rowCount.Load()).
		Int64("errors", w.errorCount.Load()).Msg("clickhouse: archive writer closed")
	return err
}

// Stats reports writer counters.
type Stats struct {
	Flushes int64
	Rows    int64
	Errors  int64
	Pending int
}

// Stats returns writer statistics.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pending := len(w.signals) + len(w.riskScores) + len(w.entities)
	w.mu.Unlock()
	return Stats{
		Flushes: w.flushCount.Load(),
		Rows:    w.rowCount.Load(),
		Errors:  w.errorCount.Load(),
		Pending: pending,
	}
}

// SetFlushHook sets a test hook that receives rows instead of ClickHouse.
func (w *Writer) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}

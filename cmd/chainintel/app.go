package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/chainintel/internal/api"
	"github.com/nexus-trading/chainintel/internal/audit"
	"github.com/nexus-trading/chainintel/internal/bus"
	"github.com/nexus-trading/chainintel/internal/clickhouse"
	"github.com/nexus-trading/chainintel/internal/cluster"
	"github.com/nexus-trading/chainintel/internal/config"
	"github.com/nexus-trading/chainintel/internal/detect"
	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/ingest"
	"github.com/nexus-trading/chainintel/internal/maintenance"
	"github.com/nexus-trading/chainintel/internal/normalize"
	"github.com/nexus-trading/chainintel/internal/observability"
	"github.com/nexus-trading/chainintel/internal/pipeline"
	"github.com/nexus-trading/chainintel/internal/quality"
	"github.com/nexus-trading/chainintel/internal/risk"
	"github.com/nexus-trading/chainintel/internal/sanctions"
	"github.com/nexus-trading/chainintel/internal/score"
	"github.com/nexus-trading/chainintel/internal/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app holds every long-lived component.
type app struct {
	cfg     *config.Config
	started time.Time

	redis     *redis.Client
	producer  bus.Producer
	kafkaSink *sink.KafkaSink
	chClient  *clickhouse.Client
	archive   *clickhouse.Writer
	hub       *api.Hub
	sink      sink.Sink

	store     *graphstore.MemoryStore
	detector  *detect.Detector
	screener  *sanctions.Screener
	risk      *risk.Engine
	metrics   *observability.PipelineMetrics
	feed      *quality.Monitor
	trail     *audit.Trail
	pipeline  *pipeline.Orchestrator
	source    ingest.Source
	health    *observability.HealthMonitor
	scheduler *maintenance.Scheduler
	server    *api.Server
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, started: time.Now()}

	// 1. Redis (optional): shared sanctions cache and signal dedup.
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, using in-process cache and dedup")
			_ = rdb.Close()
		} else {
			a.redis = rdb
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
		}
	}

	// 2. Output sinks.
	a.hub = api.NewHub(256)
	sinks := sink.FanOut{sink.LogSink{}, a.hub}
	if cfg.Kafka.Enabled {
		opts := []bus.ProducerOption{bus.WithInstanceID(cfg.General.InstanceID)}
		if cfg.Kafka.MaxBuffered > 0 {
			opts = append(opts, bus.WithMaxBufferedRecords(cfg.Kafka.MaxBuffered))
		}
		if cfg.Kafka.Linger > 0 {
			opts = append(opts, bus.WithLinger(cfg.Kafka.Linger))
		}
		producer, err := bus.NewProducer(cfg.Kafka.Brokers, opts...)
		if err != nil {
			return nil, err
		}
		a.producer = producer
		a.kafkaSink = sink.NewKafkaSink(producer, cfg.Kafka.Producer)
		sinks = append(sinks, a.kafkaSink)
	}
	if cfg.ClickHouse.Enabled {
		client, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			return nil, err
		}
		a.chClient = client
		if cfg.ClickHouse.CreateSchema {
			if err := clickhouse.EnsureSchema(ctx, client, cfg.ClickHouse.Database); err != nil {
				return nil, err
			}
		}
		a.archive = clickhouse.NewWriter(client, cfg.ClickHouse, sink.WindowFrom)
		sinks = append(sinks, a.archive)
	}
	a.sink = sinks

	// 3. Entity store.
	a.store = graphstore.NewMemoryStore(cfg.Graph)
	if cfg.Graph.SnapshotPath != "" {
		if err := a.store.LoadSnapshot(cfg.Graph.SnapshotPath); err != nil {
			log.Warn().Err(err).Msg("Failed to load graph snapshot, starting fresh")
		}
	}
	custodial := graphstore.NewCustodial(nil)

	// 4. Detection and clustering stages.
	var dedup detect.Deduper
	if a.redis != nil {
		dedup = detect.NewRedisDeduper(a.redis, cfg.Redis.DedupPrefix, cfg.Detect.DedupTTL)
	}
	a.detector = detect.NewDetector(cfg.Detect, custodial, dedup)
	clusterEngine := cluster.NewEngine(cfg.Cluster, a.store, score.NewScorer(cfg.Score), custodial)

	// 5. Sanctions screener.
	denylist := sanctions.NewDenylist()
	if cfg.Sanctions.DenylistPath != "" {
		if n, err := denylist.LoadFile(cfg.Sanctions.DenylistPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.Sanctions.DenylistPath).Msg("Denylist not loaded")
		} else {
			log.Info().Int("addresses", n).Msg("Denylist loaded")
		}
	}
	var remote redis.UniversalClient
	if a.redis != nil {
		remote = a.redis
	}
	cache := sanctions.NewCache(cfg.Sanctions.CacheTTL, cfg.Sanctions.MaxStale, remote, cfg.Sanctions.RedisPrefix)
	a.screener = sanctions.NewScreener(cfg.Sanctions, denylist, cache)
	for _, p := range cfg.Sanctions.Providers {
		a.screener.AddProvider(sanctions.NewHTTPProvider(p), p.MaxConcurrent, p.RatePerSecond, p.Burst)
	}

	// 6. Risk engine.
	a.metrics = observability.NewPipelineMetrics()
	a.risk = risk.New(cfg.Risk)
	if cfg.Risk.ModelURI != "" {
		if err := a.risk.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("Risk model not loaded, using fallback scorer")
		} else {
			a.metrics.ModelReloadUnix.SetToCurrentTime()
		}
	}

	// 7. Feed quality and audit trail.
	a.feed = quality.NewMonitor(cfg.Quality)
	a.trail = audit.NewTrail(a.producer, cfg.Audit.Buffer)

	// 8. Pipeline.
	orch, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Normalizer: normalize.NewNormalizer(cfg.Normalize),
		Extractor:  features.NewExtractor(cfg.Features),
		Detector:   a.detector,
		Cluster:    clusterEngine,
		Store:      a.store,
		Sanctions:  a.screener,
		Risk:       a.risk,
		Sink:       a.sink,
		Metrics:    a.metrics,
		Quality:    a.feed,
		Audit:      a.trail,
	})
	if err != nil {
		return nil, err
	}
	a.pipeline = orch

	// 9. Transaction source.
	src, err := newSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	a.source = src

	// 10. Health, maintenance and the admin API.
	a.health = observability.NewHealthMonitor(cfg.Health.Interval, cfg.Health.Timeout)
	a.registerProbes()

	a.scheduler = maintenance.NewScheduler()
	if err := maintenance.Install(a.scheduler, cfg.Maintenance, maintenance.Deps{
		Store:     a.store,
		Detector:  a.detector,
		Sanctions: a.screener,
		Risk:      a.risk,
		Archive:   a.archive,
		Metrics:   a.metrics,
	}); err != nil {
		return nil, err
	}

	a.server = api.NewServer(cfg.API, api.Deps{
		Store:     a.store,
		Risk:      a.risk,
		Sanctions: a.screener,
		Pipeline:  a.pipeline,
		Metrics:   a.metrics.Registry,
		Health:    a.health,
		Jobs:      a.scheduler,
		Live:      a.hub,
		Audit:     a.trail,
		Feed:      a.feed,
	})

	log.Info().Int("providers", len(cfg.Sanctions.Providers)).Int("denylisted", denylist.Size()).
		Strs("jobs", a.scheduler.JobNames()).Msg("All components initialized")
	return a, nil
}

func newSource(cfg config.SourceConfig) (ingest.Source, error) {
	switch cfg.Type {
	case config.SourceKafka:
		return ingest.NewKafkaSource(cfg.Kafka)
	case config.SourceWebSocket:
		return ingest.NewWebSocketSource(cfg.WebSocket), nil
	case config.SourceFile:
		return ingest.NewFileSource(cfg.File)
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

func (a *app) registerProbes() {
	a.health.Register("pipeline", func(context.Context) (observability.ComponentStatus, string) {
		st := a.pipeline.Stats()
		if st.Paused {
			return observability.StatusDegraded, "paused"
		}
		if st.Windows > 0 && st.Completed == 0 {
			return observability.StatusDegraded, "no window completed yet"
		}
		return observability.StatusHealthy, ""
	})
	a.health.Register("sanctions", func(context.Context) (observability.ComponentStatus, string) {
		st := a.screener.Stats()
		if st.OpenBreakers > 0 {
			return observability.StatusDegraded, fmt.Sprintf("%d provider breaker(s) open", st.OpenBreakers)
		}
		return observability.StatusHealthy, ""
	})
	if ws, ok := a.source.(*ingest.WebSocketSource); ok {
		a.health.Register("source", func(context.Context) (observability.ComponentStatus, string) {
			if !ws.Stats().Connected {
				return observability.StatusUnhealthy, "feed disconnected"
			}
			return observability.StatusHealthy, ""
		})
	}
	a.health.Register("feed", func(context.Context) (observability.ComponentStatus, string) {
		if stale := a.feed.Stale(); len(stale) > 0 {
			return observability.StatusDegraded, "stale chains: " + strings.Join(stale, ",")
		}
		return observability.StatusHealthy, ""
	})
	if a.redis != nil {
		a.health.Register("redis", func(ctx context.Context) (observability.ComponentStatus, string) {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				return observability.StatusDegraded, err.Error()
			}
			return observability.StatusHealthy, ""
		})
	}
	if a.chClient != nil {
		a.health.Register("clickhouse", func(ctx context.Context) (observability.ComponentStatus, string) {
			if err := a.chClient.Ping(ctx); err != nil {
				return observability.StatusDegraded, err.Error()
			}
			if a.archive.Stats().Errors > 0 {
				return observability.StatusDegraded, "archive flush errors"
			}
			return observability.StatusHealthy, ""
		})
	}

	a.health.OnTransition(func(ctx context.Context, name string, from, to observability.ComponentHealth) {
		severity := sink.SeverityWarning
		if to.Status == observability.StatusUnhealthy {
			severity = sink.SeverityCritical
		}
		if to.Status == observability.StatusHealthy {
			return
		}
		details := map[string]string{"component": name, "from": string(from.Status), "to": string(to.Status)}
		if err := a.sink.Alert(ctx, severity, "component_"+string(to.Status), to.Message, details); err != nil {
			log.Warn().Err(err).Str("component", name).Msg("health alert not delivered")
		}
	})
}

// run blocks until the source is exhausted or ctx is done.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.health.Run(ctx)
	}()

	if a.archive != nil {
		a.archive.Start(ctx)
	}
	a.scheduler.Start(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.feed.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.forwardFeedAlerts(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	if a.kafkaSink != nil && a.cfg.Kafka.HeartbeatSeconds > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.heartbeatLoop(ctx, time.Duration(a.cfg.Kafka.HeartbeatSeconds)*time.Second)
		}()
	}

	err := a.pipeline.Run(ctx, a.source)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st := a.pipeline.Stats()
	log.Info().Int64("windows", st.Windows).Int64("completed", st.Completed).
		Int64("aborted", st.Aborted).Int64("failed", st.Failed).Msg("Pipeline stopped")

	cancel()
	wg.Wait()
	return err
}

// forwardFeedAlerts turns feed quality alerts into sink alerts.
func (a *app) forwardFeedAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case al := <-a.feed.Alerts():
			severity := sink.SeverityWarning
			if al.Level == "critical" {
				severity = sink.SeverityCritical
			}
			details := map[string]string{"chain": al.Chain}
			if err := a.sink.Alert(ctx, severity, al.Kind, al.Message, details); err != nil {
				log.Warn().Err(err).Str("chain", al.Chain).Str("kind", al.Kind).Msg("feed alert not delivered")
			}
		}
	}
}

func (a *app) heartbeatLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.health.Snapshot()
			st := a.pipeline.Stats()
			metrics := map[string]float64{
				"windows":   float64(st.Windows),
				"completed": float64(st.Completed),
				"aborted":   float64(st.Aborted),
				"entities":  float64(a.store.Stats().Entities),
			}
			if kp, ok := a.producer.(*bus.KafkaProducer); ok {
				ps := kp.Stats()
				metrics["kafka_delivered"] = float64(ps.Delivered)
				metrics["kafka_failed"] = float64(ps.Failed)
			}
			if err := a.kafkaSink.Heartbeat(ctx, string(snap.Status), time.Since(a.started), metrics); err != nil {
				log.Warn().Err(err).Msg("heartbeat not published")
			}
		}
	}
}

// shutdown flushes and closes components in reverse dependency order.
func (a *app) shutdown() {
	log.Info().Msg("Shutting down components...")

	a.scheduler.Stop()

	if err := a.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Source close")
	}

	if a.cfg.Graph.SnapshotPath != "" {
		if err := a.store.SaveSnapshot(a.cfg.Graph.SnapshotPath); err != nil {
			log.Error().Err(err).Msg("Final graph snapshot failed")
		} else {
			log.Info().Str("path", a.cfg.Graph.SnapshotPath).Int("entities", a.store.Stats().Entities).
				Msg("Graph snapshot saved")
		}
	}

	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			log.Error().Err(err).Msg("Archive final flush failed")
		}
	}
	if a.chClient != nil {
		_ = a.chClient.Close()
	}

	if a.producer != nil {
		if n := a.producer.Flush(a.cfg.Kafka.FlushTimeout); n > 0 {
			log.Warn().Int("unflushed", n).Msg("Kafka records not delivered before shutdown")
		}
		a.producer.Close()
	}

	a.screener.Close()

	if a.redis != nil {
		_ = a.redis.Close()
	}

	hub := a.hub.Stats()
	log.Info().Int("audit_entries", a.trail.Len()).Msg("Audit trail closed")
	log.Info().Int64("sent", hub.Sent).Int64("dropped", hub.Dropped).Msg("Live stream closed")
}

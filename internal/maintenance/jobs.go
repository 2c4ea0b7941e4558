package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/chainintel/internal/clickhouse"
	"github.com/nexus-trading/chainintel/internal/detect"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/observability"
	"github.com/nexus-trading/chainintel/internal/risk"
	"github.com/nexus-trading/chainintel/internal/sanctions"
)

// Job names.
const (
	JobStaleSweep     = "stale_sweep"
	JobGraphSnapshot  = "graph_snapshot"
	JobDenylistReload = "denylist_reload"
	JobSanctionsPurge = "sanctions_cache_purge"
	JobDedupPurge     = "dedup_purge"
	JobWhalePurge     = "whale_purge"
	JobModelReload    = "model_reload"
	JobArchiveFlush   = "archive_flush"
)

// Config holds job schedules. An empty schedule leaves the job available for
// manual runs only.
type Config struct {
	StaleSweep     string        `yaml:"stale_sweep"`
	StaleAfter     time.Duration `yaml:"stale_after"` // entities untouched this long are marked stale
	GraphSnapshot  string        `yaml:"graph_snapshot"`
	SnapshotPath   string        `yaml:"snapshot_path"`
	DenylistReload string        `yaml:"denylist_reload"`
	SanctionsPurge string        `yaml:"sanctions_cache_purge"`
	DedupPurge     string        `yaml:"dedup_purge"`
	WhalePurge     string        `yaml:"whale_purge"`
	WhaleRetention time.Duration `yaml:"whale_retention"`
	ModelReload    string        `yaml:"model_reload"`
	ArchiveFlush   string        `yaml:"archive_flush"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		StaleSweep:     "0 0 * * * *",
		StaleAfter:     30 * 24 * time.Hour,
		GraphSnapshot:  "0 */10 * * * *",
		SnapshotPath:   "data/entities.gob",
		DenylistReload: "0 */15 * * * *",
		SanctionsPurge: "0 30 * * * *",
		DedupPurge:     "0 */5 * * * *",
		WhalePurge:     "0 15 * * * *",
		WhaleRetention: 48 * time.Hour,
		ModelReload:    "0 0 */6 * * *",
		JobTimeout:     5 * time.Minute,
	}
}

// Deps are the components jobs act on. Jobs whose component is missing are
// not registered.
type Deps struct {
	Store     graphstore.Store
	Detector  *detect.Detector
	Sanctions *sanctions.Screener
	Risk      *risk.Engine
	Archive   *clickhouse.Writer
	Metrics   *observability.PipelineMetrics
	Now       func() time.Time
}

// Install registers the standard jobs on s.
func Install(s *Scheduler, cfg Config, deps Deps) error {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	var errs []error
	add := func(name, spec string, fn JobFunc) {
		errs = append(errs, s.Register(name, spec, cfg.JobTimeout, fn))
	}

	if deps.Store != nil && cfg.StaleAfter > 0 {
		add(JobStaleSweep, cfg.StaleSweep, func(ctx context.Context) (int, error) {
			return deps.Store.MarkStale(ctx, now().Add(-cfg.StaleAfter))
		})
	}
	if ms, ok := deps.Store.(*graphstore.MemoryStore); ok && cfg.SnapshotPath != "" {
		add(JobGraphSnapshot, cfg.GraphSnapshot, func(context.Context) (int, error) {
			if err := ms.SaveSnapshot(cfg.SnapshotPath); err != nil {
				return 0, err
			}
			return ms.Stats().Entities, nil
		})
	}
	if deps.Sanctions != nil {
		add(JobDenylistReload, cfg.DenylistReload, func(context.Context) (int, error) {
			return deps.Sanctions.ReloadDenylist()
		})
		add(JobSanctionsPurge, cfg.SanctionsPurge, func(context.Context) (int, error) {
			return deps.Sanctions.PurgeCache(), nil
		})
	}
	if deps.Detector != nil {
		if md, ok := deps.Detector.Deduper().(*detect.MemoryDeduper); ok {
			add(JobDedupPurge, cfg.DedupPurge, func(context.Context) (int, error) {
				return md.Purge(), nil
			})
		}
		if cfg.WhaleRetention > 0 {
			add(JobWhalePurge, cfg.WhalePurge, func(context.Context) (int, error) {
				return deps.Detector.Whale().Purge(now().Add(-cfg.WhaleRetention)), nil
			})
		}
	}
	if deps.Risk != nil {
		add(JobModelReload, cfg.ModelReload, func(ctx context.Context) (int, error) {
			if err := deps.Risk.Reload(ctx); err != nil {
				return 0, err
			}
			if deps.Metrics != nil {
				deps.Metrics.ModelReloadUnix.SetToCurrentTime()
			}
			return 1, nil
		})
	}
	if deps.Archive != nil {
		add(JobArchiveFlush, cfg.ArchiveFlush, func(ctx context.Context) (int, error) {
			pending := deps.Archive.Stats().Pending
			return pending, deps.Archive.Flush(ctx)
		})
	}
	return errors.Join(errs...)
}

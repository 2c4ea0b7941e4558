package risk

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// Engine is the risk scorer. It never fails: without a model it scores with
// the rule-based fallback and marks the result degraded.
//
// The active model is swapped atomically, so Reload is safe while scoring.
type Engine struct {
	config Config
	loader *Loader

	model  atomic.Pointer[LinearModel]
	scores *xsync.Map[string, model.RiskScore] // address -> current score
	now    func() time.Time

	// Metrics
	scored   atomic.Int64
	degraded atomic.Int64
	reloads  atomic.Int64
	failures atomic.Int64
}

// Config holds risk engine configuration.
type Config struct {
	ModelURI    string        `yaml:"model_uri"` // path, file://, http(s):// or s3://; empty forces fallback
	TopK        int           `yaml:"top_k" validate:"gte=1"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	S3          S3Config      `yaml:"s3"`
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		TopK:        5,
		LoadTimeout: 30 * time.Second,
	}
}

// New creates a risk engine. Call Reload to load the configured model.
func New(cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Engine{
		config: cfg,
		loader: NewLoader(cfg.S3, cfg.LoadTimeout),
		scores: xsync.NewMap[string, model.RiskScore](),
		now:    time.Now,
	}
}

// Loader returns the artifact loader.
func (e *Engine) Loader() *Loader { return e.loader }

// Reload loads the configured model. On failure the previous model stays
// active (or the fallback, if there is none) and the *model.ModelLoadError
// is returned for logging.
func (e *Engine) Reload(ctx context.Context) error {
	if e.config.ModelURI == "" {
		log.Warn().Msg("risk: no model uri configured, using fallback scorer")
		return &model.ModelLoadError{URI: "", Err: errors.New("no model configured")}
	}
	m, err := e.loader.Load(ctx, e.config.ModelURI)
	if err != nil {
		e.failures.Add(1)
		log.Warn().Err(err).Str("active", e.ModelVersion()).Msg("risk: model load failed, keeping current scorer")
		return err
	}
	e.SetModel(m)
	return nil
}

// SetModel installs m; nil switches to the fallback scorer.
func (e *Engine) SetModel(m *LinearModel) {
	e.model.Store(m)
	e.reloads.Add(1)
}

// ModelVersion returns the active model version or FallbackVersion.
func (e *Engine) ModelVersion() string {
	if m := e.model.Load(); m != nil {
		return m.Version
	}
	return FallbackVersion
}

// Score computes the risk score of addr. It does not store the result.
func (e *Engine) Score(addr string, in Input) model.RiskScore {
	values := in.Values()
	rs := model.RiskScore{Address: addr, ComputedAt: e.now().UTC()}

	var contrib []model.Contribution
	if m := e.model.Load(); m != nil {
		rs.Score, contrib = m.Predict(values)
		rs.ModelVersion = m.Version
	} else {
		rs.Score, contrib = fallbackScore(values)
		rs.ModelVersion = FallbackVersion
		rs.Degraded = true
		e.degraded.Add(1)
	}
	rs.Score = model.Clamp01(rs.Score)
	rs.Contributions = topContributions(contrib, e.config.TopK)
	e.scored.Add(1)
	return rs
}

// ScoreAll scores every input and returns results sorted by address. It
// stops early with ctx.Err() when ctx is cancelled; nothing is stored.
func (e *Engine) ScoreAll(ctx context.Context, inputs map[string]Input) ([]model.RiskScore, error) {
	out := make([]model.RiskScore, 0, len(inputs))
	for _, addr := range sortedKeys(inputs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.Score(addr, inputs[addr]))
	}
	return out, nil
}

// Put records scores as the current score of their address.
func (e *Engine) Put(scores ...model.RiskScore) {
	for _, s := range scores {
		e.scores.Store(s.Address, s)
	}
}

// Get returns the current score of addr.
func (e *Engine) Get(addr string) (model.RiskScore, bool) {
	return e.scores.Load(addr)
}

// Stats holds risk engine statistics.
type Stats struct {
	ModelVersion string `json:"model_version"`
	Stored       int    `json:"stored"`
	Scored       int64  `json:"scored"`
	Degraded     int64  `json:"degraded"`
	Reloads      int64  `json:"reloads"`
	LoadFailures int64  `json:"load_failures"`
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		ModelVersion: e.ModelVersion(),
		Stored:       e.scores.Size(),
		Scored:       e.scored.Load(),
		Degraded:     e.degraded.Load(),
		Reloads:      e.reloads.Load(),
		LoadFailures: e.failures.Load(),
	}
}

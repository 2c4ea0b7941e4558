package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nexus-trading/chainintel/internal/api"
	"github.com/nexus-trading/chainintel/internal/clickhouse"
	"github.com/nexus-trading/chainintel/internal/cluster"
	"github.com/nexus-trading/chainintel/internal/detect"
	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/ingest"
	"github.com/nexus-trading/chainintel/internal/maintenance"
	"github.com/nexus-trading/chainintel/internal/normalize"
	"github.com/nexus-trading/chainintel/internal/pipeline"
	"github.com/nexus-trading/chainintel/internal/quality"
	"github.com/nexus-trading/chainintel/internal/risk"
	"github.com/nexus-trading/chainintel/internal/sanctions"
	"github.com/nexus-trading/chainintel/internal/score"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chainintel.
type Config struct {
	General     GeneralConfig      `yaml:"general"`
	Pipeline    pipeline.Config    `yaml:"pipeline"`
	Source      SourceConfig       `yaml:"source"`
	Normalize   normalize.Config   `yaml:"normalize"`
	Features    features.Config    `yaml:"features"`
	Cluster     cluster.Config     `yaml:"cluster"`
	Score       score.Config       `yaml:"score"`
	Detect      detect.Config      `yaml:"detect"`
	Risk        risk.Config        `yaml:"risk"`
	Sanctions   sanctions.Config   `yaml:"sanctions"`
	Graph       graphstore.Config  `yaml:"graph"`
	Kafka       KafkaConfig        `yaml:"kafka"`
	ClickHouse  clickhouse.Config  `yaml:"clickhouse"`
	Redis       RedisConfig        `yaml:"redis"`
	API         api.Config         `yaml:"api"`
	Health      HealthConfig       `yaml:"health"`
	Maintenance maintenance.Config `yaml:"maintenance"`
	Quality     quality.Config     `yaml:"quality"`
	Audit       AuditConfig        `yaml:"audit"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Service     string `yaml:"service"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json console"`
}

// Source types.
const (
	SourceKafka     = "kafka"
	SourceWebSocket = "websocket"
	SourceFile      = "file"
)

type SourceConfig struct {
	Type      string             `yaml:"type" validate:"oneof=kafka websocket file"`
	Kafka     ingest.KafkaConfig `yaml:"kafka"`
	WebSocket ingest.WSConfig    `yaml:"websocket"`
	File      string             `yaml:"file"` // JSON array of raw transactions
}

// KafkaConfig configures output publishing.
type KafkaConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	Producer         string        `yaml:"producer"` // stamped on every event
	MaxBuffered      int           `yaml:"max_buffered"`
	Linger           time.Duration `yaml:"linger"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	HeartbeatSeconds int           `yaml:"heartbeat_seconds"`
}

type RedisConfig struct {
	Addr        string `yaml:"addr"` // empty disables redis
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	DedupPrefix string `yaml:"dedup_prefix"`
}

// AuditConfig sizes the in-memory audit trail. Entries are also published to
// Kafka when output publishing is enabled.
type AuditConfig struct {
	Buffer int `yaml:"buffer" validate:"gte=0"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every component at its defaults.
func Default() *Config {
	return &Config{
		Pipeline:    pipeline.DefaultConfig(),
		Source:      SourceConfig{Type: SourceKafka, WebSocket: ingest.DefaultWSConfig()},
		Normalize:   normalize.DefaultConfig(),
		Features:    features.DefaultConfig(),
		Cluster:     cluster.DefaultConfig(),
		Score:       score.DefaultConfig(),
		Detect:      detect.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Sanctions:   sanctions.DefaultConfig(),
		Graph:       graphstore.DefaultConfig(),
		ClickHouse:  clickhouse.DefaultConfig(),
		API:         api.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Quality:     quality.DefaultConfig(),
		Audit:       AuditConfig{Buffer: 10000},
	}
}

// Load reads and parses a YAML configuration file. Keys missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-section rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if !c.Pipeline.Window.Bounded() && c.Source.Type != SourceFile {
		errs = append(errs, errors.New("pipeline.window needs max_transactions or max_duration"))
	}
	switch c.Source.Type {
	case SourceKafka:
		if len(c.Source.Kafka.Brokers) == 0 || len(c.Source.Kafka.Chains) == 0 {
			errs = append(errs, errors.New("source.kafka needs brokers and chains"))
		}
	case SourceWebSocket:
		if c.Source.WebSocket.Endpoint == "" {
			errs = append(errs, errors.New("source.websocket.endpoint is required"))
		}
	case SourceFile:
		if c.Source.File == "" {
			errs = append(errs, errors.New("source.file is required"))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when publishing is enabled"))
	}
	if c.ClickHouse.Enabled && c.ClickHouse.DSN == "" {
		errs = append(errs, errors.New("clickhouse.dsn is required when the archive is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "chainintel-1"
	}
	if cfg.General.Service == "" {
		cfg.General.Service = "chainintel"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if len(cfg.Source.Kafka.Brokers) == 0 {
		cfg.Source.Kafka.Brokers = cfg.Kafka.Brokers
	}
	if cfg.Source.Kafka.GroupID == "" {
		cfg.Source.Kafka.GroupID = cfg.General.Service
	}
	if len(cfg.Source.Kafka.Chains) == 0 {
		cfg.Source.Kafka.Chains = []string{"ethereum"}
	}
	if cfg.Kafka.Producer == "" {
		cfg.Kafka.Producer = cfg.General.InstanceID
	}
	if cfg.Kafka.FlushTimeout == 0 {
		cfg.Kafka.FlushTimeout = 10 * time.Second
	}
	if cfg.Redis.DedupPrefix == "" {
		cfg.Redis.DedupPrefix = "chainintel:dedup:"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "chainintel"
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 15 * time.Second
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 3 * time.Second
	}
	if cfg.Maintenance.SnapshotPath == "" {
		cfg.Maintenance.SnapshotPath = cfg.Graph.SnapshotPath
	}
}

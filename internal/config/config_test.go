package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "chainintel-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  log_level: "debug"

pipeline:
  window:
    max_transactions: 200
    max_duration: 5s
  workers: 3

source:
  type: kafka
  kafka:
    brokers: ["localhost:19092"]
    chains: ["ethereum", "base"]

cluster:
  distance_threshold: 0.2

detect:
  whale:
    threshold: 250

sanctions:
  fail_open: false
  providers:
    - name: chainalysis
      base_url: "https://public.chainalysis.com/api/v1"

kafka:
  enabled: true
  brokers: ["localhost:19092"]

api:
  listen: ":8080"

quality:
  max_block_gap: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 200, cfg.Pipeline.Window.MaxTransactions)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Window.MaxDuration)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, []string{"ethereum", "base"}, cfg.Source.Kafka.Chains)
	assert.Equal(t, 0.2, cfg.Cluster.DistanceThreshold)
	assert.Equal(t, 250.0, cfg.Detect.Whale.Threshold)
	assert.False(t, cfg.Sanctions.FailOpen)
	require.Len(t, cfg.Sanctions.Providers, 1)
	assert.Equal(t, "chainalysis", cfg.Sanctions.Providers[0].Name)
	assert.Equal(t, ":8080", cfg.API.Listen)

	// Unset keys inside a section keep their defaults.
	assert.Equal(t, 2, cfg.Cluster.MinClusterSize)
	assert.Equal(t, 3, cfg.Detect.Whale.MinRepetitions)
	assert.Equal(t, uint64(5), cfg.Quality.MaxBlockGap)
	assert.Equal(t, 5*time.Minute, cfg.Quality.StaleAfter)
	assert.Equal(t, 10000, cfg.Audit.Buffer)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  kafka:
    brokers: ["localhost:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chainintel-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, SourceKafka, cfg.Source.Type)
	assert.Equal(t, "chainintel", cfg.Source.Kafka.GroupID)
	assert.Equal(t, []string{"ethereum"}, cfg.Source.Kafka.Chains)
	assert.Equal(t, "chainintel-1", cfg.Kafka.Producer)
	assert.Equal(t, 5000, cfg.Pipeline.Window.MaxTransactions)
	assert.True(t, cfg.Sanctions.FailOpen)
	assert.Equal(t, cfg.Graph.SnapshotPath, cfg.Maintenance.SnapshotPath)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("CHAININTEL_ADMIN_TOKEN", "s3cret")
	t.Setenv("CHAININTEL_CH_DSN", "clickhouse://ch:9000/intel")
	path := writeConfig(t, `
source:
  type: file
  file: "testdata/window.json"
clickhouse:
  enabled: true
  dsn: "${CHAININTEL_CH_DSN}"
api:
  admin_token: "${CHAININTEL_ADMIN_TOKEN}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.API.AdminToken)
	assert.Equal(t, "clickhouse://ch:9000/intel", cfg.ClickHouse.DSN)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown source",
			yaml: "source:\n  type: carrier_pigeon\n",
			want: "Type",
		},
		{
			name: "websocket without endpoint",
			yaml: "source:\n  type: websocket\n",
			want: "source.websocket.endpoint",
		},
		{
			name: "file without path",
			yaml: "source:\n  type: file\n",
			want: "source.file",
		},
		{
			name: "unbounded window",
			yaml: "source:\n  kafka:\n    brokers: [b]\npipeline:\n  window:\n    max_transactions: 0\n    max_duration: 0s\n",
			want: "pipeline.window",
		},
		{
			name: "cluster size below two",
			yaml: "source:\n  type: file\n  file: x.json\ncluster:\n  min_cluster_size: 1\n",
			want: "MinClusterSize",
		},
		{
			name: "provider without url",
			yaml: "source:\n  type: file\n  file: x.json\nsanctions:\n  providers:\n    - name: p\n",
			want: "BaseURL",
		},
		{
			name: "archive without dsn",
			yaml: "source:\n  type: file\n  file: x.json\nclickhouse:\n  enabled: true\n",
			want: "clickhouse.dsn",
		},
		{
			name: "bad log level",
			yaml: "general:\n  log_level: loud\nsource:\n  type: file\n  file: x.json\n",
			want: "LogLevel",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	assert.ErrorContains(t, err, "read config file")
}

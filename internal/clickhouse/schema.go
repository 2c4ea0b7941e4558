package clickhouse

import (
	"context"
	"fmt"
	"strings"
)

const (
	tableSignals    = "signals"
	tableRiskScores = "risk_scores"
	tableEntities   = "entities"
)

// schema holds the archive DDL. %s is replaced with the qualified table name.
var schema = []struct {
	table string
	ddl   string
}{
	{tableSignals, `CREATE TABLE IF NOT EXISTS %s (
	signal_id       String,
	window_id       String,
	signal_type     LowCardinality(String),
	tx_hashes       Array(String),
	confidence      Float64,
	estimated_value Float64,
	actor_address   String,
	entity_id       String,
	detected_at     DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
ORDER BY (signal_type, signal_id)
PARTITION BY toYYYYMM(detected_at)`},

	{tableRiskScores, `CREATE TABLE IF NOT EXISTS %s (
	address        String,
	window_id      String,
	score          Float64,
	contributions  Map(String, Float64),
	degraded       UInt8,
	model_version  LowCardinality(String),
	computed_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (address, computed_at)
PARTITION BY toYYYYMM(computed_at)
TTL toDateTime(computed_at) + INTERVAL 180 DAY`},

	{tableEntities, `CREATE TABLE IF NOT EXISTS %s (
	entity_id       String,
	window_id       String,
	action          LowCardinality(String),
	entity_type     LowCardinality(String),
	members         Array(String),
	confidence      Float64,
	version         UInt64,
	last_updated_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(version)
ORDER BY entity_id`},
}

// EnsureSchema creates the database and archive tables if they are missing.
func EnsureSchema(ctx context.Context, c *Client, database string) error {
	if database != "" {
		if err := c.Conn().Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+database); err != nil {
			return fmt.Errorf("clickhouse: create database %s: %w", database, err)
		}
	}
	for _, s := range schema {
		name := qualify(database, s.table)
		if err := c.Conn().Exec(ctx, fmt.Sprintf(s.ddl, name)); err != nil {
			return fmt.Errorf("clickhouse: create %s: %w", name, err)
		}
	}
	return nil
}

// SchemaDDL returns the DDL statements for database, in creation order.
func SchemaDDL(database string) []string {
	out := make([]string, 0, len(schema))
	for _, s := range schema {
		out = append(out, strings.TrimSpace(fmt.Sprintf(s.ddl, qualify(database, s.table))))
	}
	return out
}

func qualify(database, table string) string {
	if database == "" {
		return table
	}
	return database + "." + table
}

package storage

import (
	"context"
	"fmt"
	"strings"
)

type index struct {
	name    string
	columns string
}

type table struct {
	name    string
	columns []string
	indexes []index
}

// tables uses {DEC} and {TS} for the dialect's decimal and timestamp types.
var tables = []table{
	{
		name: "wallet",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"project_id VARCHAR(64) NOT NULL",
			"balance {DEC} NOT NULL",
			"version BIGINT NOT NULL",
			"created_at {TS} NOT NULL",
			"updated_at {TS} NOT NULL",
			"CONSTRAINT uq_wallet_project UNIQUE (project_id)",
		},
	},
	{
		name: "cash_movement",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"wallet_id VARCHAR(64) NOT NULL",
			"amount {DEC} NOT NULL",
			"kind VARCHAR(16) NOT NULL",
			"pending_evidence BOOLEAN NOT NULL",
			"reference VARCHAR(255) NOT NULL",
			"evidence_ref VARCHAR(512) NULL",
			"created_at {TS} NOT NULL",
		},
		indexes: []index{{"idx_cash_movement_wallet", "wallet_id, created_at"}},
	},
	{
		name: "budget_line",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"budget_id VARCHAR(64) NOT NULL",
			"parent_id VARCHAR(64) NULL",
			"code VARCHAR(64) NOT NULL",
			"description VARCHAR(512) NOT NULL",
			"budgeted_amount {DEC} NOT NULL",
			"reserved_amount {DEC} NOT NULL",
			"executed_amount {DEC} NOT NULL",
			"version BIGINT NOT NULL",
			"created_at {TS} NOT NULL",
			"updated_at {TS} NOT NULL",
		},
		indexes: []index{{"idx_budget_line_budget", "budget_id"}},
	},
	{
		name: "inventory_position",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"project_id VARCHAR(64) NOT NULL",
			"resource_id VARCHAR(64) NOT NULL",
			"quantity_on_hand {DEC} NOT NULL",
			"weighted_average_cost {DEC} NOT NULL",
			"version BIGINT NOT NULL",
			"created_at {TS} NOT NULL",
			"updated_at {TS} NOT NULL",
			"CONSTRAINT uq_inventory_project_resource UNIQUE (project_id, resource_id)",
		},
	},
	{
		name: "inventory_movement",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"position_id VARCHAR(64) NOT NULL",
			"kind VARCHAR(16) NOT NULL",
			"quantity {DEC} NOT NULL",
			"unit_price {DEC} NULL",
			"document_ref VARCHAR(255) NOT NULL",
			"budget_line_id VARCHAR(64) NULL",
			"note VARCHAR(1024) NULL",
			"created_at {TS} NOT NULL",
		},
		indexes: []index{{"idx_inventory_movement_position", "position_id, created_at"}},
	},
	{
		name: "outbox_event",
		columns: []string{
			"id VARCHAR(64) NOT NULL PRIMARY KEY",
			"aggregate_type VARCHAR(64) NOT NULL",
			"aggregate_id VARCHAR(64) NOT NULL",
			"event_type VARCHAR(128) NOT NULL",
			"payload TEXT NOT NULL",
			"created_at {TS} NOT NULL",
			"processed BOOLEAN NOT NULL",
			"processed_at {TS} NULL",
			"status VARCHAR(16) NOT NULL",
			"attempts INT NOT NULL",
			"next_attempt_at {TS} NOT NULL",
			"last_error TEXT NULL",
		},
		indexes: []index{
			{"idx_outbox_status_created", "status, created_at"},
			{"idx_outbox_status_next", "status, next_attempt_at"},
		},
	},
	{
		name: "applied_event",
		columns: []string{
			"consumer VARCHAR(64) NOT NULL",
			"event_id VARCHAR(64) NOT NULL",
			"applied_at {TS} NOT NULL",
			"PRIMARY KEY (consumer, event_id)",
		},
	},
}

// schemaStatements renders idempotent DDL. MySQL has no CREATE INDEX IF NOT
// EXISTS, so its indexes are declared inline.
func schemaStatements(d Dialect) []string {
	r := strings.NewReplacer("{DEC}", d.decimalType(), "{TS}", d.timeType())
	var stmts, trailing []string
	for _, t := range tables {
		cols := append([]string(nil), t.columns...)
		for _, idx := range t.indexes {
			if d == MySQL {
				cols = append(cols, fmt.Sprintf("INDEX %s (%s)", idx.name, idx.columns))
				continue
			}
			trailing = append(trailing, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, t.name, idx.columns))
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(cols, ",\n\t"))
		if d == MySQL {
			stmt += " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
		}
		stmts = append(stmts, r.Replace(stmt))
	}
	return append(stmts, trailing...)
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

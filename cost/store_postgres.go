// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cost

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const costSchema = `
CREATE TABLE IF NOT EXISTS gateway_cost_records (
	seq               BIGSERIAL PRIMARY KEY,
	call_id           VARCHAR(64) NOT NULL UNIQUE,
	timestamp         TIMESTAMPTZ NOT NULL,
	agent_id          VARCHAR(255) NOT NULL,
	provider_id       VARCHAR(255),
	model             VARCHAR(255),
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL,
	operation_kind    VARCHAR(32) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gateway_cost_timestamp ON gateway_cost_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_gateway_cost_agent ON gateway_cost_records(agent_id, timestamp);
`

// PostgresStore persists records append-only. The bigserial seq column
// is the StreamSince cursor.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore ensures the schema exists and returns the store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, costSchema); err != nil {
		return nil, fmt.Errorf("failed to create cost schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save inserts one record. A duplicate call_id is skipped so a retried
// call never double-bills.
func (s *PostgresStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_cost_records
			(call_id, timestamp, agent_id, provider_id, model, prompt_tokens, completion_tokens, cost_usd, operation_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO NOTHING
	`, record.CallID, record.Timestamp, record.AgentID,
		nullString(record.ProviderID), nullString(record.Model),
		record.PromptTokens, record.CompletionTokens, record.CostUSD, record.Operation)
	if err != nil {
		return fmt.Errorf("failed to insert cost record %s: %w", record.CallID, err)
	}
	return nil
}

// StreamSince pages records in seq order starting after the cursor.
func (s *PostgresStore) StreamSince(ctx context.Context, cursor int64, limit int) ([]*Record, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, call_id, timestamp, agent_id, provider_id, model,
		       prompt_tokens, completion_tokens, cost_usd, operation_kind
		FROM gateway_cost_records
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to stream cost records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	next := cursor
	var out []*Record
	for rows.Next() {
		var (
			r               Record
			seq             int64
			provider, model sql.NullString
		)
		if err := rows.Scan(&seq, &r.CallID, &r.Timestamp, &r.AgentID, &provider, &model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.Operation); err != nil {
			return nil, cursor, fmt.Errorf("failed to scan cost record: %w", err)
		}
		r.ProviderID = provider.String
		r.Model = model.String
		out = append(out, &r)
		next = seq
	}
	return out, next, rows.Err()
}

// Aggregate rolls up records in [since, until) with SQL grouping. The
// by-day map keys come from the database's date truncation so they line
// up with the memory store's YYYY-MM-DD keys.
func (s *PostgresStore) Aggregate(ctx context.Context, since, until time.Time, agentID string) (*Aggregate, error) {
	query := `
		SELECT COALESCE(provider_id, ''), operation_kind,
		       TO_CHAR(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD'),
		       SUM(cost_usd), COUNT(*)
		FROM gateway_cost_records
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if !since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, since)
		argIndex++
	}
	if !until.IsZero() {
		query += fmt.Sprintf(" AND timestamp < $%d", argIndex)
		args = append(args, until)
		argIndex++
	}
	if agentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argIndex)
		args = append(args, agentID)
		argIndex++
	}

	query += " GROUP BY 1, 2, 3"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cost records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agg := newAggregate()
	for rows.Next() {
		var (
			provider, operation, day string
			cost                     float64
			count                    int
		)
		if err := rows.Scan(&provider, &operation, &day, &cost, &count); err != nil {
			return nil, fmt.Errorf("failed to scan cost aggregate: %w", err)
		}
		agg.TotalCostUSD += cost
		agg.RecordCount += count
		if provider != "" {
			agg.ByProvider[provider] += cost
		}
		agg.ByOperation[operation] += cost
		agg.ByDay[day] += cost
	}
	return agg, rows.Err()
}

// SumSince totals cost_usd since the given time.
func (s *PostgresStore) SumSince(ctx context.Context, since time.Time, agentID string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM gateway_cost_records WHERE timestamp >= $1`
	args := []interface{}{since}
	if agentID != "" {
		query += " AND agent_id = $2"
		args = append(args, agentID)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum cost records: %w", err)
	}
	return total, nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *PostgresStore) Close(ctx context.Context) error { return nil }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

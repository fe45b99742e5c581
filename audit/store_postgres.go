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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS gateway_audit_events (
	event_id    VARCHAR(64) PRIMARY KEY,
	timestamp   TIMESTAMPTZ NOT NULL,
	agent_id    VARCHAR(255),
	action_kind VARCHAR(64) NOT NULL,
	status      VARCHAR(16) NOT NULL,
	subject     TEXT,
	details     JSONB
);

CREATE INDEX IF NOT EXISTS idx_gateway_audit_timestamp ON gateway_audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_gateway_audit_agent ON gateway_audit_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_gateway_audit_action ON gateway_audit_events(action_kind);
`

// PostgresStore persists events in a single append-only table. Batches
// go through one transaction with a prepared statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore ensures the schema exists and returns the store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// AppendBatch inserts every event in one transaction. A duplicate
// event_id is skipped rather than failed so a retried batch never
// double-writes.
func (s *PostgresStore) AppendBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO gateway_audit_events (event_id, timestamp, agent_id, action_kind, status, subject, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		detailsJSON, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details for %s: %w", e.EventID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.Timestamp, nullString(e.AgentID), e.Action,
			string(e.Status), e.Subject, detailsJSON,
		); err != nil {
			return fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
	}

	return tx.Commit()
}

// Search builds a dynamic WHERE clause from the filter and returns
// matches newest-first.
func (s *PostgresStore) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT event_id, timestamp, agent_id, action_kind, status, subject, details
		FROM gateway_audit_events
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argIndex)
		args = append(args, filter.AgentID)
		argIndex++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action_kind = $%d", argIndex)
		args = append(args, filter.Action)
		argIndex++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(filter.Status))
		argIndex++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, filter.From)
		argIndex++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIndex)
		args = append(args, filter.To)
		argIndex++
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var (
			e           Event
			agentID     sql.NullString
			ts          time.Time
			detailsJSON []byte
		)
		if err := rows.Scan(&e.EventID, &ts, &agentID, &e.Action, &e.Status, &e.Subject, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = ts
		e.AgentID = agentID.String
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *PostgresStore) Close(ctx context.Context) error { return nil }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

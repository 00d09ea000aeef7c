package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresLogStore is the production append-only LogStore.
type PostgresLogStore struct {
	db *sql.DB
}

func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

func (s *PostgresLogStore) Append(ctx context.Context, entry *Log) error {
	var meta any
	if entry.Metadata != nil {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling log metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_logs
		  (id, trade_id, actor, action, prev_state, new_state, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		entry.ID, entry.TradeID, entry.Actor, entry.Action,
		entry.PrevState, entry.NewState, meta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending dispute log: %w", err)
	}
	return nil
}

const logSelect = `
	SELECT id, trade_id, COALESCE(actor, ''), action,
	       COALESCE(prev_state, ''), COALESCE(new_state, ''), metadata, created_at
	FROM dispute_logs`

func (s *PostgresLogStore) ListByTrade(ctx context.Context, tradeID string) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, logSelect+` WHERE trade_id = $1 ORDER BY created_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("listing dispute logs: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func (s *PostgresLogStore) ListRecent(ctx context.Context, limit int) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, logSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent dispute logs: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]*Log, error) {
	var out []*Log
	for rows.Next() {
		e := &Log{}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Actor, &e.Action,
			&e.PrevState, &e.NewState, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dispute log: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling log metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ LogStore = (*PostgresLogStore)(nil)

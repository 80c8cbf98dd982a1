package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/refscout/refscout/internal/refs"
)

// ScanStateStore keeps one JSONB scan-state row per site.
//
// Expected schema:
//
//	CREATE TABLE scan_states (
//	    site_id BIGINT PRIMARY KEY,
//	    state JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type ScanStateStore struct {
	pool  dbPool
	table string
}

// NewScanStateStore constructs a store over the pool. An empty table name
// defaults to scan_states.
func NewScanStateStore(pool dbPool, table string) (*ScanStateStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scan_states"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ScanStateStore{pool: pool, table: table}, nil
}

// Load returns the site's state, or the zero state when none was saved yet.
func (s *ScanStateStore) Load(ctx context.Context, siteID int64) (refs.ScanState, error) {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE site_id = $1`, s.table)
	var raw []byte
	err := s.pool.QueryRow(ctx, query, siteID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return refs.ScanState{}, nil
	}
	if err != nil {
		return refs.ScanState{}, fmt.Errorf("load scan state: %w", err)
	}
	var state refs.ScanState
	if err := json.Unmarshal(raw, &state); err != nil {
		return refs.ScanState{}, fmt.Errorf("decode scan state: %w", err)
	}
	return state, nil
}

// Save upserts the site's state.
func (s *ScanStateStore) Save(ctx context.Context, siteID int64, state refs.ScanState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode scan state: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (site_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (site_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`, s.table)
	if _, err := s.pool.Exec(ctx, query, siteID, raw); err != nil {
		return fmt.Errorf("save scan state: %w", err)
	}
	return nil
}

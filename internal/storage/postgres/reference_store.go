// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refscout/refscout/internal/refs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// dbPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it
// in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolConfig controls the shared Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool from the config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const referenceColumns = `
	from_id, from_kind, from_site_id, from_where, from_sub_key,
	raw_url, full_url, absolute_url,
	to_id, to_kind, to_site_id,
	kind, block_name, anchor_text,
	status_code, status_at, redirect_target,
	redirect_id, redirect_site_id`

// ReferenceStore persists the reference index in one table.
//
// Expected schema (REFERENCES is reserved, hence content_references):
//
//	CREATE TABLE content_references (
//	    id BIGSERIAL PRIMARY KEY,
//	    from_id BIGINT NOT NULL,
//	    from_kind TEXT NOT NULL,
//	    from_site_id BIGINT NOT NULL,
//	    from_where TEXT NOT NULL,
//	    from_sub_key TEXT NOT NULL DEFAULT '',
//	    raw_url TEXT NOT NULL DEFAULT '',
//	    full_url TEXT NOT NULL DEFAULT '',
//	    absolute_url TEXT NOT NULL DEFAULT '',
//	    to_id BIGINT NOT NULL DEFAULT 0,
//	    to_kind TEXT NOT NULL DEFAULT '',
//	    to_site_id BIGINT NOT NULL DEFAULT 0,
//	    kind TEXT NOT NULL,
//	    block_name TEXT NOT NULL DEFAULT '',
//	    anchor_text TEXT NOT NULL DEFAULT '',
//	    status_code INT NOT NULL,
//	    status_at TIMESTAMPTZ,
//	    redirect_target TEXT NOT NULL DEFAULT '',
//	    redirect_id BIGINT NOT NULL DEFAULT 0,
//	    redirect_site_id BIGINT NOT NULL DEFAULT 0
//	);
type ReferenceStore struct {
	pool  dbPool
	table string
}

// NewReferenceStore constructs a store over the pool. An empty table name
// defaults to content_references.
func NewReferenceStore(pool dbPool, table string) (*ReferenceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "content_references"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ReferenceStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ReferenceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ReplaceForSource deletes the entity's prior reference set and inserts the
// new one inside a single transaction, so readers never see a partial set.
func (s *ReferenceStore) ReplaceForSource(ctx context.Context, from refs.EntityRef, references []refs.Reference) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleteQuery := fmt.Sprintf(
		`DELETE FROM %s WHERE from_id = $1 AND from_kind = $2 AND from_site_id = $3`, s.table)
	if _, err := tx.Exec(ctx, deleteQuery, from.ID, from.Kind, from.SiteID); err != nil {
		return fmt.Errorf("delete prior references: %w", err)
	}

	insertQuery := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
	)`, s.table, referenceColumns)
	for _, r := range references {
		if _, err := tx.Exec(ctx, insertQuery,
			r.FromID, r.FromKind, r.FromSiteID, r.FromWhere, r.FromSubKey,
			r.RawURL, r.FullURL, r.AbsoluteURL,
			r.ToID, r.ToKind, r.ToSiteID,
			r.Kind, r.BlockName, r.AnchorText,
			r.StatusCode, r.StatusAt, r.RedirectTarget,
			r.RedirectID, r.RedirectSiteID,
		); err != nil {
			return fmt.Errorf("insert reference: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// DeleteForSource removes every reference originating from the entity.
func (s *ReferenceStore) DeleteForSource(ctx context.Context, from refs.EntityRef) error {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE from_id = $1 AND from_kind = $2 AND from_site_id = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query, from.ID, from.Kind, from.SiteID); err != nil {
		return fmt.Errorf("delete references: %w", err)
	}
	return nil
}

// ListForSource returns the entity's current reference set.
func (s *ReferenceStore) ListForSource(ctx context.Context, from refs.EntityRef) ([]refs.Reference, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE from_id = $1 AND from_kind = $2 AND from_site_id = $3
		ORDER BY id`, referenceColumns, s.table)
	rows, err := s.pool.Query(ctx, query, from.ID, from.Kind, from.SiteID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var out []refs.Reference
	for rows.Next() {
		var r refs.Reference
		if err := rows.Scan(
			&r.FromID, &r.FromKind, &r.FromSiteID, &r.FromWhere, &r.FromSubKey,
			&r.RawURL, &r.FullURL, &r.AbsoluteURL,
			&r.ToID, &r.ToKind, &r.ToSiteID,
			&r.Kind, &r.BlockName, &r.AnchorText,
			&r.StatusCode, &r.StatusAt, &r.RedirectTarget,
			&r.RedirectID, &r.RedirectSiteID,
		); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return out, nil
}

// DistinctURLs returns every distinct checkable absolute URL in the site's
// index, ordered for deterministic queueing.
func (s *ReferenceStore) DistinctURLs(ctx context.Context, siteID int64) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT absolute_url FROM %s
		WHERE from_site_id = $1 AND absolute_url <> '' AND status_code <> $2
		ORDER BY absolute_url`, s.table)
	rows, err := s.pool.Query(ctx, query, siteID, refs.StatusNotApplicable)
	if err != nil {
		return nil, fmt.Errorf("list distinct urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate urls: %w", err)
	}
	return out, nil
}

// UpdateStatusByURL stamps the check result onto every row sharing the URL.
func (s *ReferenceStore) UpdateStatusByURL(ctx context.Context, absoluteURL string, result refs.CheckResult) error {
	query := fmt.Sprintf(`UPDATE %s
		SET status_code = $2, status_at = $3, redirect_target = $4
		WHERE absolute_url = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		absoluteURL, result.StatusCode, result.CheckedAt, result.RedirectTarget,
	); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

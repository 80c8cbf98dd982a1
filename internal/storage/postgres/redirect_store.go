package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/refscout/refscout/internal/refs"
)

// RedirectRuleStore reads the redirect plugin's rule table. The table belongs
// to another system; this store only queries it and treats its absence as an
// inactive redirect subsystem.
type RedirectRuleStore struct {
	pool  dbPool
	table string

	probeOnce sync.Once
	active    bool
}

// NewRedirectRuleStore constructs a read-only store over the rule table. An
// empty table name defaults to redirect_rules.
func NewRedirectRuleStore(pool dbPool, table string) (*RedirectRuleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "redirect_rules"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RedirectRuleStore{pool: pool, table: table}, nil
}

// Active reports whether the rule table exists. The probe runs once per
// process; a missing or unreadable table degrades lookups to empty results.
func (s *RedirectRuleStore) Active(ctx context.Context) bool {
	s.probeOnce.Do(func() {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			s.table,
		).Scan(&exists)
		s.active = err == nil && exists
	})
	return s.active
}

// FindExact returns non-regex rules whose selected column equals any variant.
func (s *RedirectRuleStore) FindExact(ctx context.Context, variants []string, mode refs.MatchMode) ([]refs.RedirectRule, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	var where string
	switch mode {
	case refs.MatchSource:
		where = `source = ANY($1)`
	case refs.MatchDestination:
		where = `destination = ANY($1)`
	default:
		where = `(source = ANY($1) OR destination = ANY($1))`
	}
	query := fmt.Sprintf(`SELECT id, site_id, source, destination, is_regex
		FROM %s WHERE NOT is_regex AND %s ORDER BY id`, s.table, where)
	return s.queryRules(ctx, query, variants)
}

// ListRegex returns every pattern-based rule.
func (s *RedirectRuleStore) ListRegex(ctx context.Context) ([]refs.RedirectRule, error) {
	query := fmt.Sprintf(`SELECT id, site_id, source, destination, is_regex
		FROM %s WHERE is_regex ORDER BY id`, s.table)
	return s.queryRules(ctx, query)
}

func (s *RedirectRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]refs.RedirectRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query redirect rules: %w", err)
	}
	defer rows.Close()

	var out []refs.RedirectRule
	for rows.Next() {
		var r refs.RedirectRule
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Source, &r.Destination, &r.IsRegex); err != nil {
			return nil, fmt.Errorf("scan redirect rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redirect rules: %w", err)
	}
	return out, nil
}

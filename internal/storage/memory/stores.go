// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/refscout/refscout/internal/refs"
)

// ReferenceStore keeps the reference index in process memory.
type ReferenceStore struct {
	mu   sync.RWMutex
	sets map[refs.EntityRef][]refs.Reference
}

// NewReferenceStore builds an empty index.
func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{sets: map[refs.EntityRef][]refs.Reference{}}
}

// ReplaceForSource swaps the entity's reference set atomically.
func (s *ReferenceStore) ReplaceForSource(_ context.Context, from refs.EntityRef, references []refs.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(references) == 0 {
		delete(s.sets, from)
		return nil
	}
	s.sets[from] = append([]refs.Reference(nil), references...)
	return nil
}

// DeleteForSource removes the entity's reference set.
func (s *ReferenceStore) DeleteForSource(_ context.Context, from refs.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, from)
	return nil
}

// ListForSource returns a copy of the entity's reference set.
func (s *ReferenceStore) ListForSource(_ context.Context, from refs.EntityRef) ([]refs.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]refs.Reference(nil), s.sets[from]...), nil
}

// DistinctURLs returns the site's distinct checkable absolute URLs, sorted.
func (s *ReferenceStore) DistinctURLs(_ context.Context, siteID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	for from, set := range s.sets {
		if from.SiteID != siteID {
			continue
		}
		for _, r := range set {
			if r.AbsoluteURL == "" || r.StatusCode == refs.StatusNotApplicable {
				continue
			}
			seen[r.AbsoluteURL] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// UpdateStatusByURL stamps the result onto every reference sharing the URL.
func (s *ReferenceStore) UpdateStatusByURL(_ context.Context, absoluteURL string, result refs.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkedAt := result.CheckedAt
	for from, set := range s.sets {
		for i := range set {
			if set[i].AbsoluteURL != absoluteURL {
				continue
			}
			set[i].StatusCode = result.StatusCode
			set[i].StatusAt = &checkedAt
			set[i].RedirectTarget = result.RedirectTarget
		}
		s.sets[from] = set
	}
	return nil
}

// RedirectRuleStore serves a fixed rule list from memory.
type RedirectRuleStore struct {
	mu    sync.RWMutex
	rules []refs.RedirectRule
}

// NewRedirectRuleStore builds a store over the given rules. A nil slice
// means the redirect subsystem is absent.
func NewRedirectRuleStore(rules []refs.RedirectRule) *RedirectRuleStore {
	return &RedirectRuleStore{rules: append([]refs.RedirectRule(nil), rules...)}
}

// Active reports whether any rules were configured.
func (s *RedirectRuleStore) Active(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules) > 0
}

// FindExact returns non-regex rules whose selected column equals a variant.
func (s *RedirectRuleStore) FindExact(_ context.Context, variants []string, mode refs.MatchMode) ([]refs.RedirectRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := map[string]struct{}{}
	for _, v := range variants {
		match[v] = struct{}{}
	}
	var out []refs.RedirectRule
	for _, rule := range s.rules {
		if rule.IsRegex {
			continue
		}
		_, source := match[rule.Source]
		_, destination := match[rule.Destination]
		switch mode {
		case refs.MatchSource:
			if source {
				out = append(out, rule)
			}
		case refs.MatchDestination:
			if destination {
				out = append(out, rule)
			}
		default:
			if source || destination {
				out = append(out, rule)
			}
		}
	}
	return out, nil
}

// ListRegex returns the pattern-based rules.
func (s *RedirectRuleStore) ListRegex(context.Context) ([]refs.RedirectRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []refs.RedirectRule
	for _, rule := range s.rules {
		if rule.IsRegex {
			out = append(out, rule)
		}
	}
	return out, nil
}

// ScanStateStore keeps per-site scan states in memory.
type ScanStateStore struct {
	mu     sync.RWMutex
	states map[int64]refs.ScanState
}

// NewScanStateStore builds an empty store.
func NewScanStateStore() *ScanStateStore {
	return &ScanStateStore{states: map[int64]refs.ScanState{}}
}

// Load returns the site's state; a site never saved yields the zero state.
func (s *ScanStateStore) Load(_ context.Context, siteID int64) (refs.ScanState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[siteID], nil
}

// Save stores the site's state.
func (s *ScanStateStore) Save(_ context.Context, siteID int64, state refs.ScanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[siteID] = state
	return nil
}

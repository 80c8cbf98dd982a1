// Package redirects correlates canonical URLs with rules in an external
// redirect-rule store. If the redirect subsystem is unavailable the package
// degrades to empty results and never blocks extraction.
package redirects

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/refs"
	"github.com/refscout/refscout/internal/urlnorm"
)

// Correlator finds redirect rules matching an entity's canonical URL.
type Correlator struct {
	store      refs.RedirectRuleStore
	normalizer *urlnorm.Normalizer
	sites      map[int64]refs.Site
	logger     *zap.Logger
}

// New builds a Correlator over the known sites.
func New(store refs.RedirectRuleStore, normalizer *urlnorm.Normalizer, sites []refs.Site, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[int64]refs.Site, len(sites))
	for _, s := range sites {
		byID[s.ID] = s
	}
	return &Correlator{store: store, normalizer: normalizer, sites: byID, logger: logger}
}

// FindRules returns every rule whose selected column matches canonicalURL,
// combining exact variant lookups with regex rule evaluation.
func (c *Correlator) FindRules(ctx context.Context, canonicalURL string, mode refs.MatchMode) []refs.RedirectRule {
	if c.store == nil || !c.store.Active(ctx) {
		return nil
	}

	variants := c.normalizer.Variants(canonicalURL)
	urlSiteID := c.normalizer.Normalize(canonicalURL, "").SiteID

	seen := map[int64]struct{}{}
	var matched []refs.RedirectRule

	exact, err := c.store.FindExact(ctx, variants, mode)
	if err != nil {
		c.logger.Warn("redirect exact lookup failed", zap.Error(err))
	} else {
		for _, rule := range exact {
			if _, dup := seen[rule.ID]; dup {
				continue
			}
			seen[rule.ID] = struct{}{}
			matched = append(matched, rule)
		}
	}

	regexRules, err := c.store.ListRegex(ctx)
	if err != nil {
		c.logger.Warn("redirect regex listing failed", zap.Error(err))
		return matched
	}
	for _, rule := range regexRules {
		if _, dup := seen[rule.ID]; dup {
			continue
		}
		if c.regexRuleMatches(rule, variants, urlSiteID, mode) {
			seen[rule.ID] = struct{}{}
			matched = append(matched, rule)
		}
	}
	return matched
}

func (c *Correlator) regexRuleMatches(rule refs.RedirectRule, variants []string, urlSiteID int64, mode refs.MatchMode) bool {
	if mode == refs.MatchSource || mode == refs.MatchBoth {
		if c.patternMatches(rule.Source, rule.SiteID, variants, urlSiteID) {
			return true
		}
	}
	if mode == refs.MatchDestination || mode == refs.MatchBoth {
		// Destinations may carry capture placeholders ($1 …) whose final
		// value depends on the triggering source URL; the placeholder
		// positions are treated as wildcards for matching purposes.
		pattern := placeholderPattern(rule.Destination)
		if c.patternMatches(pattern, rule.SiteID, variants, urlSiteID) {
			return true
		}
	}
	return false
}

func (c *Correlator) patternMatches(pattern string, ruleSiteID int64, variants []string, urlSiteID int64) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.logger.Debug("skipping invalid redirect pattern", zap.String("pattern", pattern))
		return false
	}
	for _, variant := range variants {
		if !re.MatchString(variant) {
			continue
		}
		if c.relativeAllowed(variant, ruleSiteID, urlSiteID) {
			return true
		}
	}
	return false
}

// relativeAllowed rejects cross-site matches on relative variants unless
// both sites share the same asset namespace. A relative path on an
// unrelated site is a different resource that merely looks the same.
func (c *Correlator) relativeAllowed(variant string, ruleSiteID, urlSiteID int64) bool {
	if strings.Contains(variant, "://") {
		return true
	}
	if ruleSiteID == 0 || urlSiteID == 0 || ruleSiteID == urlSiteID {
		return true
	}
	return c.sites[ruleSiteID].SharedAssets && c.sites[urlSiteID].SharedAssets
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

func placeholderPattern(destination string) string {
	if !placeholderRe.MatchString(destination) {
		return destination
	}
	return placeholderRe.ReplaceAllString(destination, ".*")
}

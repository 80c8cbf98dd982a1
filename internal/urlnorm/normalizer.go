// Package urlnorm turns any authored URL, anchor, or relative path into a
// canonical absolute form plus classification flags.
package urlnorm

import (
	"net/url"
	"strings"

	"github.com/refscout/refscout/internal/refs"
)

// Result is the outcome of normalizing one raw URL.
type Result struct {
	// FullURL is the canonical absolute form, fragment included.
	FullURL string
	// AbsoluteURL is FullURL with the fragment stripped. It is the identity
	// key for status checks and caching.
	AbsoluteURL string
	IsRelative  bool
	IsExternal  bool
	IsMail      bool
	IsTel       bool
	// SiteID is set when the host resolves to a known site.
	SiteID int64
}

// Checkable reports whether the URL is something a status check applies to.
func (r Result) Checkable() bool {
	return !r.IsMail && !r.IsTel && r.AbsoluteURL != ""
}

// Normalizer resolves hosts against the set of known sites.
type Normalizer struct {
	sites []refs.Site
}

// New builds a Normalizer over the known sites. The first site is treated as
// primary and supplies the origin for relative URLs when no base is given.
func New(sites []refs.Site) *Normalizer {
	return &Normalizer{sites: sites}
}

// Normalize canonicalizes raw. base, when non-empty, is the URL of the page
// the raw value was authored on. Malformed input never fails; the worst case
// is an external, non-checkable result.
func (n *Normalizer) Normalize(raw, base string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{IsExternal: true}
	}

	// Leading # or ? means relative to the authoring page itself.
	if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "?") {
		page := strings.TrimSpace(base)
		if page == "" {
			page = n.primaryOrigin()
		}
		return n.finish(page+raw, Result{IsRelative: true})
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Result{FullURL: raw, AbsoluteURL: raw, IsExternal: true}
	}

	switch strings.ToLower(u.Scheme) {
	case "mailto":
		return Result{FullURL: raw, IsMail: true}
	case "tel":
		return Result{FullURL: raw, IsTel: true}
	}

	if u.Scheme == "" && u.Host == "" {
		// Bare path: enforce a single leading slash and prepend the origin.
		path := "/" + strings.TrimLeft(u.Path, "/")
		full := n.originFor(base) + path
		if u.RawQuery != "" {
			full += "?" + u.RawQuery
		}
		if u.Fragment != "" {
			full += "#" + u.Fragment
		}
		return n.finish(full, Result{IsRelative: true})
	}

	if u.Scheme == "" {
		// Protocol-relative; inherit the base scheme.
		u.Scheme = n.schemeFor(base)
	}
	return n.finish(u.String(), Result{})
}

func (n *Normalizer) finish(full string, res Result) Result {
	u, err := url.Parse(full)
	if err != nil || u.Host == "" {
		res.FullURL = full
		res.AbsoluteURL = full
		res.IsExternal = true
		return res
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	// A bare path ending in / would 301 to the slashless form on most
	// hosts; dropping it here avoids false redirect detections.
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") && u.RawQuery == "" && u.Fragment == "" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	if site, ok := n.matchSite(u); ok {
		res.SiteID = site.ID
	} else {
		res.IsExternal = true
	}

	res.FullURL = u.String()
	u.Fragment = ""
	u.RawFragment = ""
	res.AbsoluteURL = u.String()
	return res
}

func (n *Normalizer) matchSite(u *url.URL) (refs.Site, bool) {
	var best refs.Site
	found := false
	for _, site := range n.sites {
		if !strings.EqualFold(site.Host, u.Host) {
			continue
		}
		if site.PathPrefix != "" && !strings.HasPrefix(u.Path, site.PathPrefix) {
			continue
		}
		if !found || len(site.PathPrefix) > len(best.PathPrefix) {
			best = site
			found = true
		}
	}
	return best, found
}

func (n *Normalizer) originFor(base string) string {
	if base != "" {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
		}
	}
	return n.primaryOrigin()
}

func (n *Normalizer) primaryOrigin() string {
	if len(n.sites) == 0 {
		return ""
	}
	return n.sites[0].Scheme + "://" + n.sites[0].Host
}

func (n *Normalizer) schemeFor(base string) string {
	if base != "" {
		if u, err := url.Parse(base); err == nil && u.Scheme != "" {
			return strings.ToLower(u.Scheme)
		}
	}
	if len(n.sites) > 0 && n.sites[0].Scheme != "" {
		return n.sites[0].Scheme
	}
	return "https"
}

// Variants generates every equality-lookup form of a local URL used by
// redirect exact matching: protocol variants, trailing-slash variants, and
// the site-relative path.
func (n *Normalizer) Variants(absoluteURL string) []string {
	u, err := url.Parse(absoluteURL)
	if err != nil || u.Host == "" {
		return []string{absoluteURL}
	}

	paths := []string{u.Path}
	if len(u.Path) > 1 {
		if strings.HasSuffix(u.Path, "/") {
			paths = append(paths, strings.TrimSuffix(u.Path, "/"))
		} else {
			paths = append(paths, u.Path+"/")
		}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	query := ""
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}
	for _, p := range paths {
		for _, scheme := range []string{"https", "http"} {
			add(scheme + "://" + u.Host + p + query)
		}
		add(p + query)
	}
	return out
}

// Package extract walks content entities and emits the references they
// carry: links, images, embeds, structural blocks, and redirect linkages.
package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
	"github.com/refscout/refscout/internal/urlnorm"
)

// StatusResolver serves status tuples, normally through the session cache.
type StatusResolver interface {
	GetOrCheck(ctx context.Context, session, absoluteURL string) refs.CheckResult
}

// RuleFinder locates redirect rules matching a canonical URL.
type RuleFinder interface {
	FindRules(ctx context.Context, canonicalURL string, mode refs.MatchMode) []refs.RedirectRule
}

// MetaHandler lets a caller intercept a specific meta key and substitute its
// own reference set for the default markup walk.
type MetaHandler func(ctx context.Context, from refs.EntityRef, key, value string) []refs.Reference

// Config controls Extractor behavior.
type Config struct {
	// IgnoreBlocks suppresses noise blocks (pure containers, headings,
	// generic text) from the recorded set.
	IgnoreBlocks []string
	// CheckStatuses enables HTTP health checks during extraction.
	CheckStatuses bool
}

// DefaultIgnoreBlocks are the block names suppressed unless configured
// otherwise.
var DefaultIgnoreBlocks = []string{
	"core/paragraph",
	"core/heading",
	"core/group",
	"core/columns",
	"core/column",
	"core/spacer",
	"core/separator",
}

// Extractor produces the full Reference set for one entity.
type Extractor struct {
	normalizer   *urlnorm.Normalizer
	statuses     StatusResolver
	rules        RuleFinder
	source       refs.ContentSource
	ignore       map[string]struct{}
	metaHandlers map[string]MetaHandler
	cfg          Config
	logger       *zap.Logger
}

// New constructs an Extractor. rules may be nil when the redirect subsystem
// is absent.
func New(
	normalizer *urlnorm.Normalizer,
	statuses StatusResolver,
	rules RuleFinder,
	source refs.ContentSource,
	cfg Config,
	logger *zap.Logger,
) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ignoreList := cfg.IgnoreBlocks
	if ignoreList == nil {
		ignoreList = DefaultIgnoreBlocks
	}
	ignore := make(map[string]struct{}, len(ignoreList))
	for _, name := range ignoreList {
		ignore[name] = struct{}{}
	}
	return &Extractor{
		normalizer:   normalizer,
		statuses:     statuses,
		rules:        rules,
		source:       source,
		ignore:       ignore,
		metaHandlers: map[string]MetaHandler{},
		cfg:          cfg,
		logger:       logger,
	}
}

// RegisterMetaHandler installs an interceptor for one meta key.
func (e *Extractor) RegisterMetaHandler(key string, handler MetaHandler) {
	e.metaHandlers[key] = handler
}

// ExtractPost emits the reference set for a post: content and excerpt
// markup, block tree, featured image, meta values, and redirect linkage.
func (e *Extractor) ExtractPost(ctx context.Context, session string, post refs.Post) []refs.Reference {
	from := refs.EntityRef{ID: post.ID, Kind: refs.EntityPost, SiteID: post.SiteID}
	var out []refs.Reference

	out = append(out, e.markupRefs(ctx, session, from, refs.FromContent, "", post.Content, post.URL)...)
	out = append(out, e.markupRefs(ctx, session, from, refs.FromExcerpt, "", post.Excerpt, post.URL)...)
	out = append(out, e.blockRefs(from, post.Blocks)...)

	if post.FeaturedImageID > 0 {
		out = append(out, refs.Reference{
			FromID:     from.ID,
			FromKind:   from.Kind,
			FromSiteID: from.SiteID,
			FromWhere:  refs.FromFeatured,
			Kind:       refs.RefImage,
			ToID:       post.FeaturedImageID,
			ToKind:     refs.EntityPost,
			ToSiteID:   post.SiteID,
			StatusCode: refs.StatusNotApplicable,
		})
		metrics.ObserveReference(string(from.Kind), string(refs.RefImage))
	}

	out = append(out, e.metaRefs(ctx, session, from, post.Meta, post.URL)...)
	out = append(out, e.redirectRefs(ctx, from, post.URL)...)
	return out
}

// ExtractTerm emits references for a taxonomy entry's description and meta.
func (e *Extractor) ExtractTerm(ctx context.Context, session string, term refs.Term) []refs.Reference {
	from := refs.EntityRef{ID: term.ID, Kind: refs.EntityTerm, SiteID: term.SiteID}
	var out []refs.Reference

	out = append(out, e.markupRefs(ctx, session, from, refs.FromContent, "", term.Description, term.URL)...)
	out = append(out, e.metaRefs(ctx, session, from, term.Meta, term.URL)...)
	out = append(out, e.redirectRefs(ctx, from, term.URL)...)
	return out
}

// ExtractUser emits references for a user profile's bio, website, and meta.
func (e *Extractor) ExtractUser(ctx context.Context, session string, user refs.User) []refs.Reference {
	from := refs.EntityRef{ID: user.ID, Kind: refs.EntityUser, SiteID: user.SiteID}
	var out []refs.Reference

	out = append(out, e.markupRefs(ctx, session, from, refs.FromContent, "", user.Bio, user.URL)...)
	if strings.TrimSpace(user.Website) != "" {
		if ref, ok := e.urlRef(ctx, session, from, refs.FromMeta, "website", refs.RefLink, user.Website, user.URL, ""); ok {
			out = append(out, ref)
		}
	}
	out = append(out, e.metaRefs(ctx, session, from, user.Meta, user.URL)...)
	out = append(out, e.redirectRefs(ctx, from, user.URL)...)
	return out
}

// ExtractMenu emits exactly one link reference per menu item.
func (e *Extractor) ExtractMenu(ctx context.Context, session string, menu refs.Menu) []refs.Reference {
	from := refs.EntityRef{ID: menu.ID, Kind: refs.EntityMenu, SiteID: menu.SiteID}
	var out []refs.Reference

	for _, item := range menu.Items {
		ref, ok := e.urlRef(ctx, session, from, refs.FromContent, "", refs.RefLink, item.URL, "", item.Title)
		if !ok {
			continue
		}
		if item.TargetID > 0 {
			ref.ToID = item.TargetID
			ref.ToKind = item.TargetKind
			ref.ToSiteID = menu.SiteID
		}
		out = append(out, ref)
	}
	return out
}

// markupRefs parses value as markup and emits one reference per anchor,
// image, and embedded frame. Malformed markup degrades to an empty set.
func (e *Extractor) markupRefs(
	ctx context.Context,
	session string,
	from refs.EntityRef,
	where refs.FromWhere,
	subKey string,
	markup string,
	base string,
) []refs.Reference {
	if strings.TrimSpace(markup) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		e.logger.Debug("markup parse failed",
			zap.Int64("entity_id", from.ID),
			zap.String("where", string(where)),
			zap.Error(err),
		)
		return nil
	}

	var out []refs.Reference
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if ref, ok := e.urlRef(ctx, session, from, where, subKey, refs.RefLink, href, base, strings.TrimSpace(sel.Text())); ok {
			out = append(out, ref)
		}
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		alt, _ := sel.Attr("alt")
		if ref, ok := e.urlRef(ctx, session, from, where, subKey, refs.RefImage, src, base, strings.TrimSpace(alt)); ok {
			out = append(out, ref)
		}
	})
	doc.Find("iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if ref, ok := e.urlRef(ctx, session, from, where, subKey, refs.RefIframe, src, base, ""); ok {
			out = append(out, ref)
		}
	})
	return out
}

// blockRefs walks the block tree pre-order, emitting an existence record
// for every node before descending, then applies the ignore list as a
// post-filter so ignore decisions never short-circuit descent.
func (e *Extractor) blockRefs(from refs.EntityRef, blocks []refs.Block) []refs.Reference {
	var walked []refs.Reference
	var walk func(nodes []refs.Block)
	walk = func(nodes []refs.Block) {
		for _, node := range nodes {
			walked = append(walked, refs.Reference{
				FromID:     from.ID,
				FromKind:   from.Kind,
				FromSiteID: from.SiteID,
				FromWhere:  refs.FromContent,
				Kind:       refs.RefBlock,
				BlockName:  node.Name,
				StatusCode: refs.StatusNotApplicable,
			})
			walk(node.Children)
		}
	}
	walk(blocks)

	out := walked[:0]
	for _, ref := range walked {
		if _, ignored := e.ignore[ref.BlockName]; ignored {
			continue
		}
		metrics.ObserveReference(string(from.Kind), string(refs.RefBlock))
		out = append(out, ref)
	}
	return out
}

// metaRefs runs the default markup walk per meta value unless a handler is
// registered for the key.
func (e *Extractor) metaRefs(
	ctx context.Context,
	session string,
	from refs.EntityRef,
	meta map[string]string,
	base string,
) []refs.Reference {
	var out []refs.Reference
	for key, value := range meta {
		if handler, ok := e.metaHandlers[key]; ok {
			out = append(out, handler(ctx, from, key, value)...)
			continue
		}
		out = append(out, e.markupRefs(ctx, session, from, refs.FromMeta, key, value, base)...)
	}
	return out
}

// redirectRefs appends one synthetic reference per redirect rule whose
// trigger or destination matches the entity's canonical URL.
func (e *Extractor) redirectRefs(ctx context.Context, from refs.EntityRef, entityURL string) []refs.Reference {
	if e.rules == nil || entityURL == "" {
		return nil
	}
	norm := e.normalizer.Normalize(entityURL, "")
	if !norm.Checkable() {
		return nil
	}
	var out []refs.Reference
	for _, rule := range e.rules.FindRules(ctx, norm.AbsoluteURL, refs.MatchBoth) {
		out = append(out, refs.Reference{
			FromID:         from.ID,
			FromKind:       from.Kind,
			FromSiteID:     from.SiteID,
			FromWhere:      refs.FromRedirect,
			Kind:           refs.RefLink,
			RawURL:         rule.Source,
			FullURL:        norm.FullURL,
			AbsoluteURL:    norm.AbsoluteURL,
			StatusCode:     refs.StatusNotApplicable,
			RedirectID:     rule.ID,
			RedirectSiteID: rule.SiteID,
		})
		metrics.ObserveReference(string(from.Kind), string(refs.RefLink))
	}
	return out
}

// urlRef builds one reference from a raw URL, resolving local destinations
// and attaching a status tuple for checkable URLs.
func (e *Extractor) urlRef(
	ctx context.Context,
	session string,
	from refs.EntityRef,
	where refs.FromWhere,
	subKey string,
	kind refs.RefKind,
	raw string,
	base string,
	text string,
) (refs.Reference, bool) {
	if strings.TrimSpace(raw) == "" {
		return refs.Reference{}, false
	}
	norm := e.normalizer.Normalize(raw, base)

	ref := refs.Reference{
		FromID:      from.ID,
		FromKind:    from.Kind,
		FromSiteID:  from.SiteID,
		FromWhere:   where,
		FromSubKey:  subKey,
		RawURL:      raw,
		FullURL:     norm.FullURL,
		AbsoluteURL: norm.AbsoluteURL,
		Kind:        kind,
		AnchorText:  text,
		StatusCode:  refs.StatusNotApplicable,
	}

	if norm.SiteID != 0 {
		ref.ToSiteID = norm.SiteID
		if e.source != nil {
			if target, err := e.source.ResolveLocal(ctx, norm.SiteID, norm.AbsoluteURL); err == nil {
				ref.ToID = target.ID
				ref.ToKind = target.Kind
			}
		}
	}

	if e.cfg.CheckStatuses && e.statuses != nil && norm.Checkable() {
		result := e.statuses.GetOrCheck(ctx, session, norm.AbsoluteURL)
		ref.StatusCode = result.StatusCode
		checkedAt := result.CheckedAt
		ref.StatusAt = &checkedAt
		ref.RedirectTarget = result.RedirectTarget
	}

	metrics.ObserveReference(string(from.Kind), string(kind))
	return ref, true
}

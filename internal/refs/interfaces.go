package refs

import (
	"context"
	"errors"
	"time"
)

// Command-boundary errors surfaced synchronously to callers.
var (
	ErrUnknownScanType = errors.New("unknown scan type")
	ErrAlreadyRunning  = errors.New("a scan is already running")
	ErrNoWork          = errors.New("no work found to queue")
	ErrNotRunning      = errors.New("no scan is running")
	ErrNotFound        = errors.New("not found")
)

// ReferenceStore persists the reference index.
type ReferenceStore interface {
	// ReplaceForSource atomically deletes all prior references for the
	// source entity and inserts the new set. A failure must not leave a
	// partial set.
	ReplaceForSource(ctx context.Context, from EntityRef, references []Reference) error
	DeleteForSource(ctx context.Context, from EntityRef) error
	ListForSource(ctx context.Context, from EntityRef) ([]Reference, error)
	// DistinctURLs returns every distinct checkable absolute URL currently
	// in the index for the site. Feeds status-only scans.
	DistinctURLs(ctx context.Context, siteID int64) ([]string, error)
	UpdateStatusByURL(ctx context.Context, absoluteURL string, result CheckResult) error
}

// RedirectRuleStore queries the external redirect-rule table. Implementations
// report Active()=false when the redirect subsystem is unavailable, in which
// case lookups degrade to empty results.
type RedirectRuleStore interface {
	Active(ctx context.Context) bool
	// FindExact returns non-regex rules whose selected column equals any of
	// the supplied URL variants.
	FindExact(ctx context.Context, variants []string, mode MatchMode) ([]RedirectRule, error)
	// ListRegex returns all pattern-based rules for regex evaluation.
	ListRegex(ctx context.Context) ([]RedirectRule, error)
}

// ScanStateStore persists the per-site scan lifecycle singleton.
type ScanStateStore interface {
	Load(ctx context.Context, siteID int64) (ScanState, error)
	Save(ctx context.Context, siteID int64, state ScanState) error
}

// KeyValue is a small external key/value store with per-key TTL. Backs the
// session status cache.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Lock is the single-instance mutual exclusion guard for batch processing.
// The TTL must exceed the batch time budget so a slow batch is never
// preempted by its own health check.
type Lock interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
	Held(ctx context.Context) (bool, error)
}

// QueueManager provides the durable per-category FIFO work queues.
type QueueManager interface {
	Push(category Category, items []QueueItem) error
	// PopGroup returns up to max items from the front and advances the
	// cursor. If the first unread line is the sentinel it is returned alone
	// without consuming real work.
	PopGroup(category Category, max int) ([]QueueItem, error)
	Count(category Category) (int, error)
	// Total sums counts across every category.
	Total() (int, error)
	DrainAll() error
}

// StatusChecker issues an HTTP health check against a canonical URL.
type StatusChecker interface {
	Check(ctx context.Context, absoluteURL string) CheckResult
}

// Scheduler defers a callback. The orchestrator uses it to continue a
// suspended run without blocking a thread.
type Scheduler interface {
	After(delay time.Duration, fn func())
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Post is a scannable content entry.
type Post struct {
	ID              int64
	SiteID          int64
	Type            string
	URL             string
	Content         string
	Excerpt         string
	Meta            map[string]string
	FeaturedImageID int64
	Blocks          []Block
}

// Block is one node of a structural block tree.
type Block struct {
	Name      string
	InnerHTML string
	Children  []Block
}

// Term is a taxonomy entry.
type Term struct {
	ID          int64
	SiteID      int64
	Taxonomy    string
	URL         string
	Description string
	Meta        map[string]string
}

// User is a profile entity.
type User struct {
	ID      int64
	SiteID  int64
	URL     string
	Bio     string
	Website string
	Meta    map[string]string
}

// MenuItem is one entry of a navigation menu.
type MenuItem struct {
	Title      string
	URL        string
	TargetID   int64
	TargetKind EntityKind
}

// Menu is a navigation menu entity.
type Menu struct {
	ID     int64
	SiteID int64
	Items  []MenuItem
}

// PostInfo identifies a post for queueing, with its type as description.
type PostInfo struct {
	ID   int64
	Type string
}

// TermInfo identifies a term for queueing, with its taxonomy as description.
type TermInfo struct {
	ID       int64
	Taxonomy string
}

// ContentSource is the host repository's read API. The host owns content
// persistence; this system only lists and fetches.
type ContentSource interface {
	ListPosts(ctx context.Context, siteID int64) ([]PostInfo, error)
	ListTerms(ctx context.Context, siteID int64) ([]TermInfo, error)
	ListUsers(ctx context.Context, siteID int64) ([]int64, error)
	ListMenus(ctx context.Context, siteID int64) ([]int64, error)
	GetPost(ctx context.Context, siteID, id int64) (Post, error)
	GetTerm(ctx context.Context, siteID, id int64) (Term, error)
	GetUser(ctx context.Context, siteID, id int64) (User, error)
	GetMenu(ctx context.Context, siteID, id int64) (Menu, error)
	// ResolveLocal maps a local absolute URL to the entity it addresses, if
	// any. Returns ErrNotFound when nothing matches.
	ResolveLocal(ctx context.Context, siteID int64, absoluteURL string) (EntityRef, error)
}

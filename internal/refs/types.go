// Package refs defines core types shared across subsystems.
package refs

import (
	"time"
)

// EntityKind identifies the kind of content entity a reference points at or
// originates from.
type EntityKind string

// Entity kinds known to the scanner.
const (
	EntityPost EntityKind = "post"
	EntityTerm EntityKind = "term"
	EntityUser EntityKind = "user"
	EntityMenu EntityKind = "menu"
)

// RefKind describes what form a discovered reference took in the source.
type RefKind string

// Reference kinds persisted in the reference index.
const (
	RefLink   RefKind = "link"
	RefImage  RefKind = "image"
	RefIframe RefKind = "iframe"
	RefBlock  RefKind = "block"
	RefID     RefKind = "id"
)

// FromWhere records the discovery context within the source entity.
type FromWhere string

// Discovery contexts.
const (
	FromContent  FromWhere = "content"
	FromExcerpt  FromWhere = "excerpt"
	FromMeta     FromWhere = "meta"
	FromFeatured FromWhere = "featured-image"
	FromRedirect FromWhere = "redirect"
)

// ScanType selects what a scan run does.
type ScanType string

// Supported scan types.
const (
	ScanFull              ScanType = "full-scan"
	ScanCheckStatus       ScanType = "check-status"
	ScanMaintenanceStatus ScanType = "maintenance-check-status"
)

// Valid reports whether t is one of the supported scan types.
func (t ScanType) Valid() bool {
	switch t {
	case ScanFull, ScanCheckStatus, ScanMaintenanceStatus:
		return true
	}
	return false
}

// Category is one of the fixed durable work-queue types.
type Category string

// Queue categories in batch priority order (cheap categories first).
const (
	CategoryMenus    Category = "menus"
	CategoryUsers    Category = "users"
	CategoryPosts    Category = "posts"
	CategoryTerms    Category = "terms"
	CategoryStatuses Category = "statuses"
)

// CategoryOrder is the fixed processing priority for batch loops.
var CategoryOrder = []Category{CategoryMenus, CategoryUsers, CategoryPosts, CategoryTerms, CategoryStatuses}

// EntityRef identifies one scannable entity on one site.
type EntityRef struct {
	ID     int64      `json:"id"`
	Kind   EntityKind `json:"kind"`
	SiteID int64      `json:"site_id"`
}

// Status code sentinels. Any other value is the HTTP status as returned.
const (
	StatusNotApplicable = -1
	StatusNoResponse    = 0
)

// Reference is one discovered from→to relationship produced by scanning one
// entity. A Reference always has a from side; the to side is a resolved
// entity id, a URL, or (for block existence records only) neither.
type Reference struct {
	FromID     int64      `json:"from_id"`
	FromKind   EntityKind `json:"from_kind"`
	FromSiteID int64      `json:"from_site_id"`
	FromWhere  FromWhere  `json:"from_where"`
	FromSubKey string     `json:"from_sub_key,omitempty"`

	RawURL      string     `json:"raw_url,omitempty"`
	FullURL     string     `json:"full_url,omitempty"`
	AbsoluteURL string     `json:"absolute_url,omitempty"`
	ToID        int64      `json:"to_id,omitempty"`
	ToKind      EntityKind `json:"to_kind,omitempty"`
	ToSiteID    int64      `json:"to_site_id,omitempty"`
	Kind        RefKind    `json:"kind"`
	BlockName   string     `json:"block_name,omitempty"`
	AnchorText  string     `json:"anchor_text,omitempty"`

	StatusCode     int        `json:"status_code"`
	StatusAt       *time.Time `json:"status_at,omitempty"`
	RedirectTarget string     `json:"redirect_target,omitempty"`

	RedirectID     int64 `json:"redirect_id,omitempty"`
	RedirectSiteID int64 `json:"redirect_site_id,omitempty"`
}

// From returns the source entity of the reference.
func (r Reference) From() EntityRef {
	return EntityRef{ID: r.FromID, Kind: r.FromKind, SiteID: r.FromSiteID}
}

// CheckResult is the outcome of one status check against an absolute URL.
type CheckResult struct {
	StatusCode     int       `json:"status_code"`
	RedirectTarget string    `json:"redirect_target,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// ScanSummary is an archived record of one finished (or cancelled) run.
type ScanSummary struct {
	Type          ScanType   `json:"type"`
	StartDate     *time.Time `json:"start_date,omitempty"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	StartedBy     string     `json:"started_by,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	Progress      int        `json:"progress"`
	ProgressTotal int        `json:"progress_total"`
}

// HistoryCap bounds the scan history ring buffer.
const HistoryCap = 10

// ScanState is the singleton per-site lifecycle record for scanning activity.
type ScanState struct {
	Needed        bool          `json:"needed"`
	Type          ScanType      `json:"type,omitempty"`
	StartDate     *time.Time    `json:"start_date,omitempty"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
	StartedBy     string        `json:"started_by,omitempty"`
	CancelledBy   string        `json:"cancelled_by,omitempty"`
	Progress      int           `json:"progress"`
	ProgressTotal int           `json:"progress_total"`
	Currently     string        `json:"currently,omitempty"`
	History       []ScanSummary `json:"history,omitempty"`
}

// Running reports whether a scan is in flight: started, not finished, and
// not cancelled.
func (s ScanState) Running() bool {
	return s.StartDate != nil && s.EndDate == nil && s.CancelledBy == ""
}

// Summary converts the live state into an archivable record.
func (s ScanState) Summary() ScanSummary {
	return ScanSummary{
		Type:          s.Type,
		StartDate:     s.StartDate,
		EndDate:       s.EndDate,
		StartedBy:     s.StartedBy,
		CancelledBy:   s.CancelledBy,
		Progress:      s.Progress,
		ProgressTotal: s.ProgressTotal,
	}
}

// Archive pushes the previous run into the history ring, trimming to
// HistoryCap while always retaining at least one full-scan record.
func (s *ScanState) Archive() {
	if s.StartDate == nil {
		return
	}
	history := append([]ScanSummary{s.Summary()}, s.History...)
	if len(history) > HistoryCap {
		var fullScan *ScanSummary
		for i := range history[:HistoryCap] {
			if history[i].Type == ScanFull {
				fullScan = &history[i]
				break
			}
		}
		if fullScan == nil {
			for i := HistoryCap; i < len(history); i++ {
				if history[i].Type == ScanFull {
					history[HistoryCap-1] = history[i]
					break
				}
			}
		}
		history = history[:HistoryCap]
	}
	s.History = history
}

// Progress is the caller-facing view of a run's advancement.
type Progress struct {
	Done      int        `json:"done"`
	Total     int        `json:"total"`
	Remaining int        `json:"remaining"`
	Percent   float64    `json:"percent"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Currently string     `json:"currently,omitempty"`
}

// ProgressSentinel is the first line of every queue file. A reader that sees
// it knows the queue exists but has not been consumed yet.
const ProgressSentinel = "_update_progress~"

// QueueItem is one line of a category queue file.
type QueueItem struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// IsSentinel reports whether the item is the progress heartbeat line.
func (i QueueItem) IsSentinel() bool {
	return i.Value == ProgressSentinel
}

// Site describes one known site in the installation. Hosts matching a Site
// classify URLs as local; SharedAssets marks sites sharing a media layer,
// which permits cross-site relative redirect matching.
type Site struct {
	ID           int64  `json:"id" mapstructure:"id"`
	Scheme       string `json:"scheme" mapstructure:"scheme"`
	Host         string `json:"host" mapstructure:"host"`
	PathPrefix   string `json:"path_prefix,omitempty" mapstructure:"path_prefix"`
	SharedAssets bool   `json:"shared_assets,omitempty" mapstructure:"shared_assets"`
}

// BaseURL returns scheme://host with the path prefix appended.
func (s Site) BaseURL() string {
	return s.Scheme + "://" + s.Host + s.PathPrefix
}

// MatchMode selects which redirect-rule column a lookup searches.
type MatchMode int

// Matching modes for redirect-rule lookups.
const (
	MatchSource MatchMode = iota
	MatchDestination
	MatchBoth
)

// RedirectRule is an external record mapping a trigger URL or pattern to a
// destination. Consulted but not owned by this system.
type RedirectRule struct {
	ID          int64  `json:"id"`
	SiteID      int64  `json:"site_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	IsRegex     bool   `json:"is_regex"`
}

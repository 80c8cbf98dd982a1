package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
)

// DefaultFreshness is how long a cached status is served without a re-check.
const DefaultFreshness = 10 * time.Minute

// timeLayout is the external cache timestamp format.
const timeLayout = "2006-01-02 15:04:05"

// cacheEntry is the persisted per-URL tuple.
type cacheEntry struct {
	StatusCode     int    `json:"status_code"`
	RedirectTarget string `json:"redirect_target"`
	CheckedAt      string `json:"checked_at"`
}

// SessionKey derives the cache bucket key for one triggering operation. The
// action name plus site (and optional entity) keeps two concurrent triggers,
// such as saving two posts, from colliding on the same bucket.
func SessionKey(action string, siteID, entityID int64) string {
	if entityID > 0 {
		return fmt.Sprintf("status-cache:%s:%d:%d", action, siteID, entityID)
	}
	return fmt.Sprintf("status-cache:%s:%d", action, siteID)
}

// SessionCache deduplicates status checks within one scan session. Entries
// live in an external key/value store so they survive across batches; the
// bucket is explicitly cleared when the owning operation completes.
type SessionCache struct {
	kv        refs.KeyValue
	checker   refs.StatusChecker
	clock     refs.Clock
	freshness time.Duration
	ttl       time.Duration
	logger    *zap.Logger
}

// NewSessionCache builds a SessionCache. ttl is the safety-net expiry on the
// external store, normally well beyond the freshness window.
func NewSessionCache(
	kv refs.KeyValue,
	checker refs.StatusChecker,
	clock refs.Clock,
	freshness time.Duration,
	ttl time.Duration,
	logger *zap.Logger,
) *SessionCache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCache{
		kv:        kv,
		checker:   checker,
		clock:     clock,
		freshness: freshness,
		ttl:       ttl,
		logger:    logger,
	}
}

// GetOrCheck returns the cached tuple for absoluteURL when it is younger
// than the freshness window, otherwise invokes the checker and writes the
// result through immediately so a crash mid-scan loses at most one entry.
func (c *SessionCache) GetOrCheck(ctx context.Context, session, absoluteURL string) refs.CheckResult {
	bucket := c.loadBucket(ctx, session)
	if entry, ok := bucket[absoluteURL]; ok {
		if checkedAt, err := time.Parse(timeLayout, entry.CheckedAt); err == nil {
			if c.clock.Now().Sub(checkedAt) < c.freshness {
				metrics.ObserveCacheHit()
				return refs.CheckResult{
					StatusCode:     entry.StatusCode,
					RedirectTarget: entry.RedirectTarget,
					CheckedAt:      checkedAt,
				}
			}
		}
	}

	metrics.ObserveCacheMiss()
	result := c.checker.Check(ctx, absoluteURL)
	bucket[absoluteURL] = cacheEntry{
		StatusCode:     result.StatusCode,
		RedirectTarget: result.RedirectTarget,
		CheckedAt:      result.CheckedAt.Format(timeLayout),
	}
	c.storeBucket(ctx, session, bucket)
	return result
}

// Clear deletes the session bucket.
func (c *SessionCache) Clear(ctx context.Context, session string) error {
	if err := c.kv.Delete(ctx, session); err != nil {
		return fmt.Errorf("clear status cache %q: %w", session, err)
	}
	return nil
}

func (c *SessionCache) loadBucket(ctx context.Context, session string) map[string]cacheEntry {
	raw, ok, err := c.kv.Get(ctx, session)
	if err != nil {
		c.logger.Warn("status cache read failed", zap.String("session", session), zap.Error(err))
		return map[string]cacheEntry{}
	}
	if !ok {
		return map[string]cacheEntry{}
	}
	bucket := map[string]cacheEntry{}
	if err := json.Unmarshal([]byte(raw), &bucket); err != nil {
		c.logger.Warn("status cache entry corrupt", zap.String("session", session), zap.Error(err))
		return map[string]cacheEntry{}
	}
	return bucket
}

func (c *SessionCache) storeBucket(ctx context.Context, session string, bucket map[string]cacheEntry) {
	raw, err := json.Marshal(bucket)
	if err != nil {
		c.logger.Warn("status cache marshal failed", zap.String("session", session), zap.Error(err))
		return
	}
	if err := c.kv.Set(ctx, session, string(raw), c.ttl); err != nil {
		c.logger.Warn("status cache write failed", zap.String("session", session), zap.Error(err))
	}
}

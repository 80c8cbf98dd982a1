// Package scan implements the top-level batch orchestration state machine:
// queueing, checkpointed execution under time/memory budgets, cancellation,
// and self-rescheduling until the queue drains.
package scan

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
	"github.com/refscout/refscout/internal/status"
)

// Extractor produces the reference set for one entity.
type Extractor interface {
	ExtractPost(ctx context.Context, session string, post refs.Post) []refs.Reference
	ExtractTerm(ctx context.Context, session string, term refs.Term) []refs.Reference
	ExtractUser(ctx context.Context, session string, user refs.User) []refs.Reference
	ExtractMenu(ctx context.Context, session string, menu refs.Menu) []refs.Reference
}

// StatusCache is the session-scoped status store consulted for status-only
// work and cleared at completion.
type StatusCache interface {
	GetOrCheck(ctx context.Context, session, absoluteURL string) refs.CheckResult
	Clear(ctx context.Context, session string) error
}

// Config controls Orchestrator behavior. Budgets default conservatively:
// this process coexists with unrelated traffic on shared infrastructure.
type Config struct {
	SiteID int64
	// TimeBudget bounds one batch-loop invocation (default 20s).
	TimeBudget time.Duration
	// MemoryCeiling is the configured memory ceiling in bytes
	// (default 256 MiB); the loop suspends at MemoryFraction of it.
	MemoryCeiling  uint64
	MemoryFraction float64
	// LockTTL must exceed TimeBudget so a slow batch is never preempted by
	// its own health check (default 90s).
	LockTTL time.Duration
	// GroupSize caps one pop (the queue enforces its own hard ceiling).
	GroupSize int
	// ContinueDelay is how long a suspended run waits before its scheduled
	// continuation (default 5s).
	ContinueDelay   time.Duration
	CompletionTopic string
}

func (c Config) withDefaults() Config {
	if c.TimeBudget <= 0 {
		c.TimeBudget = 20 * time.Second
	}
	if c.MemoryCeiling == 0 {
		c.MemoryCeiling = 256 << 20
	}
	if c.MemoryFraction <= 0 || c.MemoryFraction > 1 {
		c.MemoryFraction = 0.8
	}
	if c.LockTTL <= c.TimeBudget {
		c.LockTTL = c.TimeBudget + 70*time.Second
	}
	if c.GroupSize <= 0 {
		c.GroupSize = 50
	}
	if c.ContinueDelay <= 0 {
		c.ContinueDelay = 5 * time.Second
	}
	return c
}

// Orchestrator drives scan runs. One Orchestrator serves one site.
type Orchestrator struct {
	cfg       Config
	queues    refs.QueueManager
	source    refs.ContentSource
	extractor Extractor
	refStore  refs.ReferenceStore
	states    refs.ScanStateStore
	cache     StatusCache
	lock      refs.Lock
	scheduler refs.Scheduler
	publisher refs.Publisher
	clock     refs.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	dispatching bool

	// memUsage is swappable in tests.
	memUsage func() uint64
}

// New wires an Orchestrator.
func New(
	cfg Config,
	queues refs.QueueManager,
	source refs.ContentSource,
	extractor Extractor,
	refStore refs.ReferenceStore,
	states refs.ScanStateStore,
	cache StatusCache,
	lock refs.Lock,
	scheduler refs.Scheduler,
	publisher refs.Publisher,
	clock refs.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		queues:    queues,
		source:    source,
		extractor: extractor,
		refStore:  refStore,
		states:    states,
		cache:     cache,
		lock:      lock,
		scheduler: scheduler,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		memUsage:  heapInUse,
	}
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}

// Start queues work for scanType and dispatches the first batch loop.
// When a scan is already running it returns the existing run's progress
// with refs.ErrAlreadyRunning; when no work was queued it fails with
// refs.ErrNoWork and leaves state untouched.
func (o *Orchestrator) Start(ctx context.Context, scanType refs.ScanType, startedBy string) (refs.Progress, error) {
	if !scanType.Valid() {
		return refs.Progress{}, fmt.Errorf("%w: %q", refs.ErrUnknownScanType, scanType)
	}

	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return refs.Progress{}, fmt.Errorf("load scan state: %w", err)
	}
	if state.Running() {
		return progressOf(state), refs.ErrAlreadyRunning
	}

	// Starting requires both a free lock and an empty queue, so a second
	// run can never interleave with leftovers of a partially-processed one.
	held, err := o.lock.Held(ctx)
	if err != nil {
		return refs.Progress{}, fmt.Errorf("check scan lock: %w", err)
	}
	pending, err := o.queues.Total()
	if err != nil {
		return refs.Progress{}, fmt.Errorf("count queues: %w", err)
	}
	if held || pending > 0 {
		return progressOf(state), refs.ErrAlreadyRunning
	}

	queued, err := o.enqueueWork(ctx, scanType)
	if err != nil {
		return refs.Progress{}, err
	}
	if queued == 0 {
		return refs.Progress{}, refs.ErrNoWork
	}

	state.Archive()
	now := o.clock.Now()
	state = refs.ScanState{
		Needed:        state.Needed,
		Type:          scanType,
		StartDate:     &now,
		StartedBy:     startedBy,
		ProgressTotal: queued,
		History:       state.History,
	}
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		return refs.Progress{}, fmt.Errorf("save scan state: %w", err)
	}

	o.logger.Info("scan queued",
		zap.String("type", string(scanType)),
		zap.Int("items", queued),
		zap.Int64("site_id", o.cfg.SiteID),
	)
	o.dispatch()
	return progressOf(state), nil
}

// Cancel requests cooperative cancellation. A loop in flight notices at its
// next batch boundary; a suspended run is drained immediately.
func (o *Orchestrator) Cancel(ctx context.Context, cancelledBy string) error {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return fmt.Errorf("load scan state: %w", err)
	}
	if !state.Running() {
		return refs.ErrNotRunning
	}
	state.CancelledBy = cancelledBy
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		return fmt.Errorf("save scan state: %w", err)
	}

	held, err := o.lock.Held(ctx)
	if err != nil {
		return fmt.Errorf("check scan lock: %w", err)
	}
	if !held {
		o.finalizeCancelled(ctx, state)
	}
	return nil
}

// Progress reports the current run's advancement.
func (o *Orchestrator) Progress(ctx context.Context) (refs.Progress, error) {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return refs.Progress{}, fmt.Errorf("load scan state: %w", err)
	}
	return progressOf(state), nil
}

// State returns the raw scan state, history included.
func (o *Orchestrator) State(ctx context.Context) (refs.ScanState, error) {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return refs.ScanState{}, fmt.Errorf("load scan state: %w", err)
	}
	return state, nil
}

// MarkNeeded flags that extraction configuration changed since the last
// completed full scan.
func (o *Orchestrator) MarkNeeded(ctx context.Context) error {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return fmt.Errorf("load scan state: %w", err)
	}
	state.Needed = true
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		return fmt.Errorf("save scan state: %w", err)
	}
	return nil
}

// HealthCheck re-dispatches the batch loop when the queue is non-empty but
// no lock is held, covering a continuation that failed to fire.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	pending, err := o.queues.Total()
	if err != nil {
		return fmt.Errorf("count queues: %w", err)
	}
	if pending == 0 {
		return nil
	}
	held, err := o.lock.Held(ctx)
	if err != nil {
		return fmt.Errorf("check scan lock: %w", err)
	}
	if held {
		return nil
	}
	o.logger.Warn("stalled run detected, re-dispatching", zap.Int("pending", pending))
	o.dispatch()
	return nil
}

// OnEntityChanged re-extracts one entity synchronously under its own cache
// session. The host calls this on save events.
func (o *Orchestrator) OnEntityChanged(ctx context.Context, ref refs.EntityRef) error {
	session := status.SessionKey("entity-changed", ref.SiteID, ref.ID)
	defer func() {
		if err := o.cache.Clear(ctx, session); err != nil {
			o.logger.Warn("status cache clear failed", zap.Error(err))
		}
	}()
	if err := o.processEntity(ctx, session, ref.Kind, ref.ID); err != nil {
		return fmt.Errorf("re-extract %s %d: %w", ref.Kind, ref.ID, err)
	}
	return nil
}

// OnEntityDeleted drops the entity's references and marks a full scan
// needed so inbound references to it get re-evaluated.
func (o *Orchestrator) OnEntityDeleted(ctx context.Context, ref refs.EntityRef) error {
	if err := o.refStore.DeleteForSource(ctx, ref); err != nil {
		return fmt.Errorf("delete references for %s %d: %w", ref.Kind, ref.ID, err)
	}
	return o.MarkNeeded(ctx)
}

// dispatch hands the batch loop to the scheduler without blocking the
// caller. At most one in-process loop runs at a time; the lock guards
// cross-process.
func (o *Orchestrator) dispatch() {
	o.scheduler.After(0, func() {
		o.RunBatches(context.Background())
	})
}

// RunBatches processes queue groups until the queue drains, the budgets are
// exhausted, or the run is cancelled. Budget exhaustion schedules a
// continuation and returns; the queue cursor only advances after a group is
// fully processed, so a killed process resumes consistently.
func (o *Orchestrator) RunBatches(ctx context.Context) {
	o.mu.Lock()
	if o.dispatching {
		o.mu.Unlock()
		return
	}
	o.dispatching = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.dispatching = false
		o.mu.Unlock()
	}()

	acquired, err := o.lock.Acquire(ctx, o.cfg.LockTTL)
	if err != nil {
		o.logger.Error("lock acquire failed", zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	locked := true
	defer func() {
		if locked {
			if rerr := o.lock.Release(ctx); rerr != nil {
				o.logger.Warn("lock release failed", zap.Error(rerr))
			}
		}
	}()

	deadline := o.clock.Now().Add(o.cfg.TimeBudget)
	session := o.sessionKey(ctx)

	for {
		processed, err := o.runOneBatch(ctx, session, deadline)
		if err != nil {
			o.logger.Error("batch failed", zap.Error(err))
			return
		}

		// Cancellation is only honored at batch boundaries; aborting
		// mid-item could tear an entity's reference set.
		state, err := o.states.Load(ctx, o.cfg.SiteID)
		if err != nil {
			o.logger.Error("load scan state", zap.Error(err))
			return
		}
		if state.CancelledBy != "" && state.EndDate == nil {
			if locked {
				locked = false
				if rerr := o.lock.Release(ctx); rerr != nil {
					o.logger.Warn("lock release failed", zap.Error(rerr))
				}
			}
			o.finalizeCancelled(ctx, state)
			return
		}

		pending, err := o.queues.Total()
		if err != nil {
			o.logger.Error("count queues", zap.Error(err))
			return
		}
		if pending == 0 {
			if locked {
				locked = false
				if rerr := o.lock.Release(ctx); rerr != nil {
					o.logger.Warn("lock release failed", zap.Error(rerr))
				}
			}
			// A stale continuation can fire after another path already
			// finalized the run; only a live run completes.
			if state.Running() {
				o.complete(ctx, state, session)
			}
			return
		}

		if o.budgetExhausted(deadline) || processed == 0 {
			if locked {
				locked = false
				if rerr := o.lock.Release(ctx); rerr != nil {
					o.logger.Warn("lock release failed", zap.Error(rerr))
				}
			}
			o.logger.Info("budget exhausted, scheduling continuation",
				zap.Int("pending", pending),
			)
			o.scheduler.After(o.cfg.ContinueDelay, func() {
				o.RunBatches(context.Background())
			})
			return
		}

		if _, err := o.lock.Renew(ctx, o.cfg.LockTTL); err != nil {
			o.logger.Warn("lock renew failed", zap.Error(err))
		}
	}
}

// runOneBatch pops and processes one group from the highest-priority
// non-empty category. Returns the number of real items processed.
func (o *Orchestrator) runOneBatch(ctx context.Context, session string, deadline time.Time) (int, error) {
	started := o.clock.Now()
	for _, category := range refs.CategoryOrder {
		group, err := o.queues.PopGroup(category, o.cfg.GroupSize)
		if err != nil {
			return 0, fmt.Errorf("pop %s: %w", category, err)
		}
		if len(group) == 0 {
			continue
		}

		if len(group) == 1 && group[0].IsSentinel() {
			// Degenerate heartbeat group: report liveness, consume no work.
			if err := o.noteProgress(ctx, category, 0); err != nil {
				return 0, err
			}
			return 1, nil
		}

		processed := 0
		for _, item := range group {
			if item.IsSentinel() {
				continue
			}
			if err := o.processItem(ctx, session, category, item); err != nil {
				// One bad entity degrades to a missing reference set, never
				// an aborted batch.
				o.logger.Warn("item failed",
					zap.String("category", string(category)),
					zap.String("item", item.Value),
					zap.Error(err),
				)
			}
			processed++
			if o.budgetExhausted(deadline) {
				break
			}
		}
		// Items popped but not processed before the budget hit are still
		// consumed from the queue, so they count as progress; the group is
		// the suspension granularity, not the item.
		for _, item := range group[processed:] {
			if item.IsSentinel() {
				continue
			}
			if err := o.processItem(ctx, session, category, item); err != nil {
				o.logger.Warn("item failed",
					zap.String("category", string(category)),
					zap.String("item", item.Value),
					zap.Error(err),
				)
			}
			processed++
		}

		if err := o.noteProgress(ctx, category, processed); err != nil {
			return 0, err
		}
		metrics.ObserveBatch(string(category), o.clock.Now().Sub(started))
		return processed, nil
	}
	return 0, nil
}

func (o *Orchestrator) processItem(ctx context.Context, session string, category refs.Category, item refs.QueueItem) error {
	if category == refs.CategoryStatuses {
		result := o.cache.GetOrCheck(ctx, session, item.Value)
		if err := o.refStore.UpdateStatusByURL(ctx, item.Value, result); err != nil {
			return fmt.Errorf("update status %q: %w", item.Value, err)
		}
		return nil
	}

	id, err := strconv.ParseInt(item.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("bad queue id %q: %w", item.Value, err)
	}
	return o.processEntity(ctx, session, kindOf(category), id)
}

func (o *Orchestrator) processEntity(ctx context.Context, session string, kind refs.EntityKind, id int64) error {
	siteID := o.cfg.SiteID
	var (
		from       = refs.EntityRef{ID: id, Kind: kind, SiteID: siteID}
		references []refs.Reference
	)

	switch kind {
	case refs.EntityPost:
		post, err := o.source.GetPost(ctx, siteID, id)
		if err != nil {
			return fmt.Errorf("get post %d: %w", id, err)
		}
		references = o.extractor.ExtractPost(ctx, session, post)
	case refs.EntityTerm:
		term, err := o.source.GetTerm(ctx, siteID, id)
		if err != nil {
			return fmt.Errorf("get term %d: %w", id, err)
		}
		references = o.extractor.ExtractTerm(ctx, session, term)
	case refs.EntityUser:
		user, err := o.source.GetUser(ctx, siteID, id)
		if err != nil {
			return fmt.Errorf("get user %d: %w", id, err)
		}
		references = o.extractor.ExtractUser(ctx, session, user)
	case refs.EntityMenu:
		menu, err := o.source.GetMenu(ctx, siteID, id)
		if err != nil {
			return fmt.Errorf("get menu %d: %w", id, err)
		}
		references = o.extractor.ExtractMenu(ctx, session, menu)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	if err := o.refStore.ReplaceForSource(ctx, from, references); err != nil {
		return fmt.Errorf("replace references for %s %d: %w", kind, id, err)
	}
	return nil
}

func (o *Orchestrator) noteProgress(ctx context.Context, category refs.Category, processed int) error {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil {
		return fmt.Errorf("load scan state: %w", err)
	}
	state.Progress += processed
	if state.Progress > state.ProgressTotal {
		state.Progress = state.ProgressTotal
	}
	state.Currently = categoryLabel(category)
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		return fmt.Errorf("save scan state: %w", err)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, state refs.ScanState, session string) {
	now := o.clock.Now()
	state.EndDate = &now
	state.Currently = ""
	if state.Type == refs.ScanFull {
		state.Needed = false
	}
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		o.logger.Error("save scan state", zap.Error(err))
	}

	if err := o.cache.Clear(ctx, session); err != nil {
		o.logger.Warn("status cache clear failed", zap.Error(err))
	}

	if o.publisher != nil && o.cfg.CompletionTopic != "" {
		payload := map[string]any{
			"site_id":     o.cfg.SiteID,
			"type":        string(state.Type),
			"started_at":  state.StartDate,
			"finished_at": state.EndDate,
			"processed":   state.Progress,
			"total":       state.ProgressTotal,
		}
		if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, payload); err != nil {
			o.logger.Warn("completion notification failed", zap.Error(err))
		}
	}

	metrics.ObserveScan(string(state.Type), "completed")
	o.logger.Info("scan completed",
		zap.String("type", string(state.Type)),
		zap.Int("processed", state.Progress),
	)
}

func (o *Orchestrator) finalizeCancelled(ctx context.Context, state refs.ScanState) {
	if err := o.queues.DrainAll(); err != nil {
		o.logger.Warn("queue drain failed", zap.Error(err))
	}
	now := o.clock.Now()
	state.EndDate = &now
	state.Currently = ""
	if err := o.states.Save(ctx, o.cfg.SiteID, state); err != nil {
		o.logger.Error("save scan state", zap.Error(err))
	}
	if err := o.cache.Clear(ctx, o.sessionKey(ctx)); err != nil {
		o.logger.Warn("status cache clear failed", zap.Error(err))
	}
	metrics.ObserveScan(string(state.Type), "cancelled")
	o.logger.Info("scan cancelled", zap.String("by", state.CancelledBy))
}

func (o *Orchestrator) budgetExhausted(deadline time.Time) bool {
	if o.clock.Now().After(deadline) {
		return true
	}
	limit := uint64(float64(o.cfg.MemoryCeiling) * o.cfg.MemoryFraction)
	return o.memUsage() > limit
}

func (o *Orchestrator) sessionKey(ctx context.Context) string {
	state, err := o.states.Load(ctx, o.cfg.SiteID)
	if err != nil || state.Type == "" {
		return status.SessionKey("scan", o.cfg.SiteID, 0)
	}
	return status.SessionKey(string(state.Type), o.cfg.SiteID, 0)
}

// enqueueWork asks each producer to push matching ids into its category.
func (o *Orchestrator) enqueueWork(ctx context.Context, scanType refs.ScanType) (int, error) {
	if scanType == refs.ScanCheckStatus || scanType == refs.ScanMaintenanceStatus {
		urls, err := o.refStore.DistinctURLs(ctx, o.cfg.SiteID)
		if err != nil {
			return 0, fmt.Errorf("list distinct urls: %w", err)
		}
		items := make([]refs.QueueItem, 0, len(urls))
		for _, u := range urls {
			items = append(items, refs.QueueItem{Value: u})
		}
		if err := o.queues.Push(refs.CategoryStatuses, items); err != nil {
			return 0, fmt.Errorf("push statuses: %w", err)
		}
		return len(items), nil
	}

	total := 0

	menus, err := o.source.ListMenus(ctx, o.cfg.SiteID)
	if err != nil {
		return 0, fmt.Errorf("list menus: %w", err)
	}
	if err := o.queues.Push(refs.CategoryMenus, idItems(menus, "")); err != nil {
		return 0, fmt.Errorf("push menus: %w", err)
	}
	total += len(menus)

	users, err := o.source.ListUsers(ctx, o.cfg.SiteID)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	if err := o.queues.Push(refs.CategoryUsers, idItems(users, "")); err != nil {
		return 0, fmt.Errorf("push users: %w", err)
	}
	total += len(users)

	posts, err := o.source.ListPosts(ctx, o.cfg.SiteID)
	if err != nil {
		return 0, fmt.Errorf("list posts: %w", err)
	}
	postItems := make([]refs.QueueItem, 0, len(posts))
	for _, p := range posts {
		postItems = append(postItems, refs.QueueItem{Value: strconv.FormatInt(p.ID, 10), Description: p.Type})
	}
	if err := o.queues.Push(refs.CategoryPosts, postItems); err != nil {
		return 0, fmt.Errorf("push posts: %w", err)
	}
	total += len(posts)

	terms, err := o.source.ListTerms(ctx, o.cfg.SiteID)
	if err != nil {
		return 0, fmt.Errorf("list terms: %w", err)
	}
	termItems := make([]refs.QueueItem, 0, len(terms))
	for _, t := range terms {
		termItems = append(termItems, refs.QueueItem{Value: strconv.FormatInt(t.ID, 10), Description: t.Taxonomy})
	}
	if err := o.queues.Push(refs.CategoryTerms, termItems); err != nil {
		return 0, fmt.Errorf("push terms: %w", err)
	}
	total += len(terms)

	return total, nil
}

func idItems(ids []int64, description string) []refs.QueueItem {
	items := make([]refs.QueueItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, refs.QueueItem{Value: strconv.FormatInt(id, 10), Description: description})
	}
	return items
}

func kindOf(category refs.Category) refs.EntityKind {
	switch category {
	case refs.CategoryPosts:
		return refs.EntityPost
	case refs.CategoryTerms:
		return refs.EntityTerm
	case refs.CategoryUsers:
		return refs.EntityUser
	case refs.CategoryMenus:
		return refs.EntityMenu
	}
	return ""
}

func categoryLabel(category refs.Category) string {
	switch category {
	case refs.CategoryMenus:
		return "Navigation menus"
	case refs.CategoryUsers:
		return "Users"
	case refs.CategoryPosts:
		return "Content"
	case refs.CategoryTerms:
		return "Taxonomies"
	case refs.CategoryStatuses:
		return "Link statuses"
	}
	return string(category)
}

func progressOf(state refs.ScanState) refs.Progress {
	p := refs.Progress{
		Done:      state.Progress,
		Total:     state.ProgressTotal,
		Remaining: state.ProgressTotal - state.Progress,
		StartDate: state.StartDate,
		EndDate:   state.EndDate,
		Currently: state.Currently,
	}
	if p.Remaining < 0 {
		p.Remaining = 0
	}
	if state.ProgressTotal > 0 {
		p.Percent = float64(state.Progress) / float64(state.ProgressTotal) * 100
	}
	return p
}

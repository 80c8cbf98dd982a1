package scan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refscout/refscout/internal/kv"
	"github.com/refscout/refscout/internal/queue"
	"github.com/refscout/refscout/internal/refs"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// manualScheduler records callbacks so tests control when continuations run.
type manualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (s *manualScheduler) After(_ time.Duration, fn func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
}

func (s *manualScheduler) pump() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	fn := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	fn()
	return true
}

func (s *manualScheduler) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if !s.pump() {
			return
		}
	}
	t.Fatal("scheduler never settled")
}

func (s *manualScheduler) clear() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type fakeSource struct {
	posts []refs.Post
	terms []refs.Term
	users []refs.User
	menus []refs.Menu
}

func (f *fakeSource) ListPosts(context.Context, int64) ([]refs.PostInfo, error) {
	out := make([]refs.PostInfo, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, refs.PostInfo{ID: p.ID, Type: p.Type})
	}
	return out, nil
}

func (f *fakeSource) ListTerms(context.Context, int64) ([]refs.TermInfo, error) {
	out := make([]refs.TermInfo, 0, len(f.terms))
	for _, tm := range f.terms {
		out = append(out, refs.TermInfo{ID: tm.ID, Taxonomy: tm.Taxonomy})
	}
	return out, nil
}

func (f *fakeSource) ListUsers(context.Context, int64) ([]int64, error) {
	out := make([]int64, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u.ID)
	}
	return out, nil
}

func (f *fakeSource) ListMenus(context.Context, int64) ([]int64, error) {
	out := make([]int64, 0, len(f.menus))
	for _, m := range f.menus {
		out = append(out, m.ID)
	}
	return out, nil
}

func (f *fakeSource) GetPost(_ context.Context, _, id int64) (refs.Post, error) {
	for _, p := range f.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return refs.Post{}, refs.ErrNotFound
}

func (f *fakeSource) GetTerm(_ context.Context, _, id int64) (refs.Term, error) {
	for _, tm := range f.terms {
		if tm.ID == id {
			return tm, nil
		}
	}
	return refs.Term{}, refs.ErrNotFound
}

func (f *fakeSource) GetUser(_ context.Context, _, id int64) (refs.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return refs.User{}, refs.ErrNotFound
}

func (f *fakeSource) GetMenu(_ context.Context, _, id int64) (refs.Menu, error) {
	for _, m := range f.menus {
		if m.ID == id {
			return m, nil
		}
	}
	return refs.Menu{}, refs.ErrNotFound
}

func (f *fakeSource) ResolveLocal(context.Context, int64, string) (refs.EntityRef, error) {
	return refs.EntityRef{}, refs.ErrNotFound
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExtractor) record(kind refs.EntityKind, id int64) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d", kind, id))
	f.mu.Unlock()
}

func (f *fakeExtractor) one(kind refs.EntityKind, id, siteID int64) []refs.Reference {
	return []refs.Reference{{
		FromID: id, FromKind: kind, FromSiteID: siteID,
		Kind:        refs.RefLink,
		AbsoluteURL: fmt.Sprintf("https://example.com/%s/%d", kind, id),
		StatusCode:  refs.StatusNotApplicable,
	}}
}

func (f *fakeExtractor) ExtractPost(_ context.Context, _ string, p refs.Post) []refs.Reference {
	f.record(refs.EntityPost, p.ID)
	return f.one(refs.EntityPost, p.ID, p.SiteID)
}

func (f *fakeExtractor) ExtractTerm(_ context.Context, _ string, tm refs.Term) []refs.Reference {
	f.record(refs.EntityTerm, tm.ID)
	return f.one(refs.EntityTerm, tm.ID, tm.SiteID)
}

func (f *fakeExtractor) ExtractUser(_ context.Context, _ string, u refs.User) []refs.Reference {
	f.record(refs.EntityUser, u.ID)
	return f.one(refs.EntityUser, u.ID, u.SiteID)
}

func (f *fakeExtractor) ExtractMenu(_ context.Context, _ string, m refs.Menu) []refs.Reference {
	f.record(refs.EntityMenu, m.ID)
	return f.one(refs.EntityMenu, m.ID, m.SiteID)
}

type memRefStore struct {
	mu       sync.Mutex
	sets     map[refs.EntityRef][]refs.Reference
	statuses map[string]refs.CheckResult
	distinct []string
}

func newMemRefStore() *memRefStore {
	return &memRefStore{
		sets:     map[refs.EntityRef][]refs.Reference{},
		statuses: map[string]refs.CheckResult{},
	}
}

func (s *memRefStore) ReplaceForSource(_ context.Context, from refs.EntityRef, references []refs.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[from] = append([]refs.Reference(nil), references...)
	return nil
}

func (s *memRefStore) DeleteForSource(_ context.Context, from refs.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, from)
	return nil
}

func (s *memRefStore) ListForSource(_ context.Context, from refs.EntityRef) ([]refs.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]refs.Reference(nil), s.sets[from]...), nil
}

func (s *memRefStore) DistinctURLs(context.Context, int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.distinct...), nil
}

func (s *memRefStore) UpdateStatusByURL(_ context.Context, absoluteURL string, result refs.CheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[absoluteURL] = result
	return nil
}

type memStates struct {
	mu     sync.Mutex
	states map[int64]refs.ScanState
}

func (s *memStates) Load(_ context.Context, siteID int64) (refs.ScanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[siteID], nil
}

func (s *memStates) Save(_ context.Context, siteID int64, state refs.ScanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[siteID] = state
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	checked []string
	cleared []string
}

func (c *fakeCache) GetOrCheck(_ context.Context, _ string, absoluteURL string) refs.CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, absoluteURL)
	return refs.CheckResult{StatusCode: 200, CheckedAt: time.Unix(1000, 0)}
}

func (c *fakeCache) Clear(_ context.Context, session string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, session)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return "msg-1", nil
}

type fixture struct {
	orch   *Orchestrator
	sched  *manualScheduler
	queues *queue.FileQueue
	states *memStates
	store  *memRefStore
	cache  *fakeCache
	lock   refs.Lock
	pub    *fakePublisher
	ext    *fakeExtractor
}

func newFixture(t *testing.T, cfg Config, src refs.ContentSource, store *memRefStore) *fixture {
	t.Helper()
	queues, err := queue.NewFileQueue(t.TempDir(), nil)
	require.NoError(t, err)

	f := &fixture{
		sched:  &manualScheduler{},
		queues: queues,
		states: &memStates{states: map[int64]refs.ScanState{}},
		store:  store,
		cache:  &fakeCache{},
		lock:   kv.NewLockRegistry().NewLock("scan"),
		pub:    &fakePublisher{},
		ext:    &fakeExtractor{},
	}
	if cfg.SiteID == 0 {
		cfg.SiteID = 1
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "scan-events"
	}
	f.orch = New(cfg, queues, src, f.ext, store, f.states, f.cache, f.lock, f.sched, f.pub, realClock{}, nil)
	return f
}

func smallSite() *fakeSource {
	return &fakeSource{
		menus: []refs.Menu{{ID: 1, SiteID: 1}, {ID: 2, SiteID: 1}},
		users: []refs.User{{ID: 10, SiteID: 1}},
		posts: []refs.Post{{ID: 100, SiteID: 1, Type: "page"}, {ID: 101, SiteID: 1, Type: "post"}},
		terms: []refs.Term{{ID: 200, SiteID: 1, Taxonomy: "category"}},
	}
}

func TestStartRejectsUnknownScanType(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), newMemRefStore())
	_, err := f.orch.Start(context.Background(), refs.ScanType("bogus"), "admin")
	require.ErrorIs(t, err, refs.ErrUnknownScanType)
}

func TestStartWithNoWorkFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TimeBudget: time.Hour}, &fakeSource{}, newMemRefStore())
	_, err := f.orch.Start(context.Background(), refs.ScanFull, "admin")
	require.ErrorIs(t, err, refs.ErrNoWork)

	state, err := f.orch.State(context.Background())
	require.NoError(t, err)
	require.False(t, state.Running())
}

func TestFullScanRunsToCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)

	progress, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)
	require.Equal(t, 6, progress.Total)

	f.sched.drain(t)

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.EndDate)
	require.Equal(t, 6, state.Progress)
	require.False(t, state.Needed, "a completed full scan clears the needed flag")

	// Every entity got its reference set replaced exactly once.
	require.Len(t, store.sets, 6)
	require.Equal(t, []string{
		"menu:1", "menu:2", "user:10", "post:100", "post:101", "term:200",
	}, f.ext.calls, "categories must process in fixed priority order")

	pending, err := f.queues.Total()
	require.NoError(t, err)
	require.Zero(t, pending)

	held, err := f.lock.Held(ctx)
	require.NoError(t, err)
	require.False(t, held)

	require.Equal(t, []string{"scan-events"}, f.pub.topics)
	require.NotEmpty(t, f.cache.cleared)
}

func TestStartWhileRunningReportsProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), newMemRefStore())

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)

	progress, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.ErrorIs(t, err, refs.ErrAlreadyRunning)
	require.Equal(t, 6, progress.Total)
}

func TestBudgetExhaustionSuspendsAndResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	// A nanosecond budget forces suspension after every batch.
	f := newFixture(t, Config{TimeBudget: time.Nanosecond}, smallSite(), store)

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)

	// First pump consumes the menus sentinel, second the menus group.
	require.True(t, f.sched.pump())
	require.True(t, f.sched.pump())

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, state.Progress, "the popped group still counts as progress")
	require.Nil(t, state.EndDate)

	pending, err := f.queues.Total()
	require.NoError(t, err)
	require.Positive(t, pending, "unfinished work stays queued across suspension")

	held, err := f.lock.Held(ctx)
	require.NoError(t, err)
	require.False(t, held, "a suspended run must not hold the lock")

	require.Positive(t, f.sched.pendingCount(), "suspension schedules a continuation")

	f.sched.drain(t)

	state, err = f.orch.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.EndDate)
	require.Equal(t, 6, state.Progress)
	require.Len(t, store.sets, 6, "resume must pick up where the cursor stopped")
}

func TestMemoryPressureSuspends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{TimeBudget: time.Hour, MemoryCeiling: 256 << 20}, smallSite(), newMemRefStore())
	f.orch.memUsage = func() uint64 { return 256 << 20 }

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)

	require.True(t, f.sched.pump())

	pending, err := f.queues.Total()
	require.NoError(t, err)
	require.Positive(t, pending)
	require.Positive(t, f.sched.pendingCount())

	// Pressure relieved: the continuation finishes the run.
	f.orch.memUsage = func() uint64 { return 0 }
	f.sched.drain(t)

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.EndDate)
}

func TestCancelDrainsAndFinalizes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{TimeBudget: time.Nanosecond}, smallSite(), newMemRefStore())

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)
	require.True(t, f.sched.pump())

	require.NoError(t, f.orch.Cancel(ctx, "editor"))

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "editor", state.CancelledBy)
	require.NotNil(t, state.EndDate)
	require.False(t, state.Running())

	pending, err := f.queues.Total()
	require.NoError(t, err)
	require.Zero(t, pending, "cancellation drains every queue")

	// A stale continuation must not resurrect the cancelled run.
	f.sched.drain(t)
	state, err = f.orch.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "editor", state.CancelledBy)
	require.Empty(t, f.pub.topics, "a cancelled run publishes no completion event")

	// The site is startable again.
	_, err = f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)
}

func TestCancelWithoutRunFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), newMemRefStore())
	require.ErrorIs(t, f.orch.Cancel(context.Background(), "editor"), refs.ErrNotRunning)
}

func TestHealthCheckRedispatchesStalledRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{TimeBudget: time.Nanosecond}, smallSite(), newMemRefStore())

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)
	require.True(t, f.sched.pump())

	// Simulate a lost continuation.
	f.sched.clear()
	require.Zero(t, f.sched.pendingCount())

	require.NoError(t, f.orch.HealthCheck(ctx))
	require.Positive(t, f.sched.pendingCount())

	f.sched.drain(t)
	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.EndDate)
}

func TestHealthCheckIgnoresIdleSite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), newMemRefStore())
	require.NoError(t, f.orch.HealthCheck(context.Background()))
	require.Zero(t, f.sched.pendingCount())
}

func TestStatusScanChecksDistinctURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	store.distinct = []string{"https://example.com/a", "https://ext.example/b"}
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)

	progress, err := f.orch.Start(ctx, refs.ScanCheckStatus, "cron")
	require.NoError(t, err)
	require.Equal(t, 2, progress.Total)

	f.sched.drain(t)

	require.ElementsMatch(t, []string{"https://example.com/a", "https://ext.example/b"}, f.cache.checked)
	require.Len(t, store.statuses, 2)
	require.Equal(t, 200, store.statuses["https://example.com/a"].StatusCode)
	require.Empty(t, f.ext.calls, "status scans never re-extract entities")

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.EndDate)
}

func TestStatusScanKeepsNeededFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	store.distinct = []string{"https://example.com/a"}
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)

	require.NoError(t, f.orch.MarkNeeded(ctx))

	_, err := f.orch.Start(ctx, refs.ScanCheckStatus, "cron")
	require.NoError(t, err)
	f.sched.drain(t)

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Needed, "only a full scan clears the needed flag")
}

func TestCompletedRunIsArchived(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	store.distinct = []string{"https://example.com/a"}
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)

	_, err := f.orch.Start(ctx, refs.ScanFull, "admin")
	require.NoError(t, err)
	f.sched.drain(t)

	_, err = f.orch.Start(ctx, refs.ScanCheckStatus, "cron")
	require.NoError(t, err)

	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.History, 1)
	require.Equal(t, refs.ScanFull, state.History[0].Type)
	require.NotNil(t, state.History[0].EndDate)
}

func TestOnEntityChangedReExtracts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)

	ref := refs.EntityRef{ID: 100, Kind: refs.EntityPost, SiteID: 1}
	require.NoError(t, f.orch.OnEntityChanged(ctx, ref))

	require.Equal(t, []string{"post:100"}, f.ext.calls)
	require.Len(t, store.sets[ref], 1)
	require.NotEmpty(t, f.cache.cleared, "the per-entity cache session is cleared")
}

func TestOnEntityDeletedDropsReferencesAndMarksNeeded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRefStore()
	ref := refs.EntityRef{ID: 100, Kind: refs.EntityPost, SiteID: 1}
	store.sets[ref] = []refs.Reference{{FromID: 100}}

	f := newFixture(t, Config{TimeBudget: time.Hour}, smallSite(), store)
	require.NoError(t, f.orch.OnEntityDeleted(ctx, ref))

	require.Empty(t, store.sets[ref])
	state, err := f.orch.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Needed)
}

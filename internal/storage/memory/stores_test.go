package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/refscout/refscout/internal/refs"
)

func TestReplaceForSourceSwapsSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewReferenceStore()
	from := refs.EntityRef{ID: 1, Kind: refs.EntityPost, SiteID: 1}

	require.NoError(t, store.ReplaceForSource(ctx, from, []refs.Reference{
		{FromID: 1, AbsoluteURL: "https://example.com/a", Kind: refs.RefLink},
		{FromID: 1, AbsoluteURL: "https://example.com/b", Kind: refs.RefLink},
	}))
	require.NoError(t, store.ReplaceForSource(ctx, from, []refs.Reference{
		{FromID: 1, AbsoluteURL: "https://example.com/c", Kind: refs.RefLink},
	}))

	set, err := store.ListForSource(ctx, from)
	require.NoError(t, err)
	require.Len(t, set, 1, "replace must not accumulate prior references")
	require.Equal(t, "https://example.com/c", set[0].AbsoluteURL)
}

func TestDistinctURLsSortedAndFiltered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewReferenceStore()
	require.NoError(t, store.ReplaceForSource(ctx, refs.EntityRef{ID: 1, Kind: refs.EntityPost, SiteID: 1}, []refs.Reference{
		{AbsoluteURL: "https://example.com/b", StatusCode: 200},
		{AbsoluteURL: "https://example.com/a", StatusCode: 0},
		{BlockName: "widget/cta", StatusCode: refs.StatusNotApplicable},
	}))
	require.NoError(t, store.ReplaceForSource(ctx, refs.EntityRef{ID: 2, Kind: refs.EntityPost, SiteID: 1}, []refs.Reference{
		{AbsoluteURL: "https://example.com/a", StatusCode: 200},
	}))
	require.NoError(t, store.ReplaceForSource(ctx, refs.EntityRef{ID: 3, Kind: refs.EntityPost, SiteID: 2}, []refs.Reference{
		{AbsoluteURL: "https://other.example/x", StatusCode: 200},
	}))

	urls, err := store.DistinctURLs(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls)
}

func TestUpdateStatusByURLTouchesEveryHolder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewReferenceStore()
	a := refs.EntityRef{ID: 1, Kind: refs.EntityPost, SiteID: 1}
	b := refs.EntityRef{ID: 2, Kind: refs.EntityTerm, SiteID: 1}
	require.NoError(t, store.ReplaceForSource(ctx, a, []refs.Reference{{AbsoluteURL: "https://example.com/x", StatusCode: 200}}))
	require.NoError(t, store.ReplaceForSource(ctx, b, []refs.Reference{{AbsoluteURL: "https://example.com/x", StatusCode: 200}}))

	result := refs.CheckResult{StatusCode: 404, CheckedAt: time.Unix(2000, 0)}
	require.NoError(t, store.UpdateStatusByURL(ctx, "https://example.com/x", result))

	for _, from := range []refs.EntityRef{a, b} {
		set, err := store.ListForSource(ctx, from)
		require.NoError(t, err)
		require.Equal(t, 404, set[0].StatusCode)
		require.NotNil(t, set[0].StatusAt)
	}
}

func TestRedirectRuleStoreMatchModes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRedirectRuleStore([]refs.RedirectRule{
		{ID: 1, Source: "/old", Destination: "/new"},
		{ID: 2, Source: `^/archive/(\d+)$`, Destination: "/posts/$1", IsRegex: true},
	})

	require.True(t, store.Active(ctx))

	bySource, err := store.FindExact(ctx, []string{"/old"}, refs.MatchSource)
	require.NoError(t, err)
	require.Len(t, bySource, 1)

	byDestination, err := store.FindExact(ctx, []string{"/new"}, refs.MatchDestination)
	require.NoError(t, err)
	require.Len(t, byDestination, 1)

	none, err := store.FindExact(ctx, []string{"/new"}, refs.MatchSource)
	require.NoError(t, err)
	require.Empty(t, none)

	regex, err := store.ListRegex(ctx)
	require.NoError(t, err)
	require.Len(t, regex, 1)
	require.Equal(t, int64(2), regex[0].ID)
}

func TestRedirectRuleStoreInactiveWhenEmpty(t *testing.T) {
	t.Parallel()

	require.False(t, NewRedirectRuleStore(nil).Active(context.Background()))
}

func TestScanStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStateStore()

	state, err := store.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, state.Running())

	started := time.Unix(1700000000, 0)
	require.NoError(t, store.Save(ctx, 1, refs.ScanState{Type: refs.ScanFull, StartDate: &started}))

	state, err = store.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, state.Running())
	require.Equal(t, refs.ScanFull, state.Type)
}

package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refscout/refscout/internal/refs"
)

func TestFixtureListsAreSortedAndSiteScoped(t *testing.T) {
	t.Parallel()

	f := NewFixture()
	f.AddPost(refs.Post{ID: 5, SiteID: 1, Type: "post"})
	f.AddPost(refs.Post{ID: 2, SiteID: 1, Type: "page"})
	f.AddPost(refs.Post{ID: 9, SiteID: 2, Type: "post"})

	posts, err := f.ListPosts(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []refs.PostInfo{{ID: 2, Type: "page"}, {ID: 5, Type: "post"}}, posts)
}

func TestFixtureGetMissingEntity(t *testing.T) {
	t.Parallel()

	f := NewFixture()
	_, err := f.GetPost(context.Background(), 1, 42)
	require.ErrorIs(t, err, refs.ErrNotFound)

	// Right id, wrong site.
	f.AddTerm(refs.Term{ID: 7, SiteID: 2, Taxonomy: "category"})
	_, err = f.GetTerm(context.Background(), 1, 7)
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestFixtureResolveLocal(t *testing.T) {
	t.Parallel()

	f := NewFixture()
	f.AddPost(refs.Post{ID: 3, SiteID: 1, URL: "https://example.com/about"})

	ref, err := f.ResolveLocal(context.Background(), 1, "https://example.com/about")
	require.NoError(t, err)
	require.Equal(t, refs.EntityRef{ID: 3, Kind: refs.EntityPost, SiteID: 1}, ref)

	_, err = f.ResolveLocal(context.Background(), 1, "https://example.com/missing")
	require.ErrorIs(t, err, refs.ErrNotFound)
}

func TestLoadFixtureFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "content.json")
	payload := `{
		"posts": [{"ID": 1, "SiteID": 1, "Type": "page", "URL": "https://example.com/"}],
		"terms": [{"ID": 2, "SiteID": 1, "Taxonomy": "category"}],
		"users": [{"ID": 3, "SiteID": 1}],
		"menus": [{"ID": 4, "SiteID": 1}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	f, err := LoadFixture(path)
	require.NoError(t, err)

	posts, err := f.ListPosts(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	menus, err := f.ListMenus(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []int64{4}, menus)
}

func TestLoadFixtureBadFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFixture(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

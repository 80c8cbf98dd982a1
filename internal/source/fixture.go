// Package source provides content-source implementations. The host system
// owns content; a ContentSource only lists and fetches it.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/refscout/refscout/internal/refs"
)

// Fixture is an in-memory ContentSource seeded from code or a JSON file.
// Listings are returned in ascending id order so scan runs are reproducible.
type Fixture struct {
	mu    sync.RWMutex
	posts map[int64]refs.Post
	terms map[int64]refs.Term
	users map[int64]refs.User
	menus map[int64]refs.Menu
	byURL map[string]refs.EntityRef
}

// NewFixture builds an empty fixture.
func NewFixture() *Fixture {
	return &Fixture{
		posts: map[int64]refs.Post{},
		terms: map[int64]refs.Term{},
		users: map[int64]refs.User{},
		menus: map[int64]refs.Menu{},
		byURL: map[string]refs.EntityRef{},
	}
}

// fixtureFile is the on-disk JSON shape for LoadFixture.
type fixtureFile struct {
	Posts []refs.Post `json:"posts"`
	Terms []refs.Term `json:"terms"`
	Users []refs.User `json:"users"`
	Menus []refs.Menu `json:"menus"`
}

// LoadFixture reads a fixture file from disk.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %q: %w", path, err)
	}
	var file fixtureFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode fixture %q: %w", path, err)
	}
	f := NewFixture()
	for _, p := range file.Posts {
		f.AddPost(p)
	}
	for _, t := range file.Terms {
		f.AddTerm(t)
	}
	for _, u := range file.Users {
		f.AddUser(u)
	}
	for _, m := range file.Menus {
		f.AddMenu(m)
	}
	return f, nil
}

// AddPost registers a post and its URL for local resolution.
func (f *Fixture) AddPost(p refs.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[p.ID] = p
	if p.URL != "" {
		f.byURL[p.URL] = refs.EntityRef{ID: p.ID, Kind: refs.EntityPost, SiteID: p.SiteID}
	}
}

// AddTerm registers a term and its URL for local resolution.
func (f *Fixture) AddTerm(t refs.Term) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms[t.ID] = t
	if t.URL != "" {
		f.byURL[t.URL] = refs.EntityRef{ID: t.ID, Kind: refs.EntityTerm, SiteID: t.SiteID}
	}
}

// AddUser registers a user and their URL for local resolution.
func (f *Fixture) AddUser(u refs.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	if u.URL != "" {
		f.byURL[u.URL] = refs.EntityRef{ID: u.ID, Kind: refs.EntityUser, SiteID: u.SiteID}
	}
}

// AddMenu registers a menu.
func (f *Fixture) AddMenu(m refs.Menu) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menus[m.ID] = m
}

// ListPosts returns queueing info for the site's posts.
func (f *Fixture) ListPosts(_ context.Context, siteID int64) ([]refs.PostInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []refs.PostInfo
	for _, p := range f.posts {
		if p.SiteID == siteID {
			out = append(out, refs.PostInfo{ID: p.ID, Type: p.Type})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTerms returns queueing info for the site's terms.
func (f *Fixture) ListTerms(_ context.Context, siteID int64) ([]refs.TermInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []refs.TermInfo
	for _, t := range f.terms {
		if t.SiteID == siteID {
			out = append(out, refs.TermInfo{ID: t.ID, Taxonomy: t.Taxonomy})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListUsers returns the site's user ids.
func (f *Fixture) ListUsers(_ context.Context, siteID int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []int64
	for _, u := range f.users {
		if u.SiteID == siteID {
			out = append(out, u.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListMenus returns the site's menu ids.
func (f *Fixture) ListMenus(_ context.Context, siteID int64) ([]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []int64
	for _, m := range f.menus {
		if m.SiteID == siteID {
			out = append(out, m.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetPost fetches one post.
func (f *Fixture) GetPost(_ context.Context, siteID, id int64) (refs.Post, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.posts[id]; ok && p.SiteID == siteID {
		return p, nil
	}
	return refs.Post{}, refs.ErrNotFound
}

// GetTerm fetches one term.
func (f *Fixture) GetTerm(_ context.Context, siteID, id int64) (refs.Term, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if t, ok := f.terms[id]; ok && t.SiteID == siteID {
		return t, nil
	}
	return refs.Term{}, refs.ErrNotFound
}

// GetUser fetches one user.
func (f *Fixture) GetUser(_ context.Context, siteID, id int64) (refs.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if u, ok := f.users[id]; ok && u.SiteID == siteID {
		return u, nil
	}
	return refs.User{}, refs.ErrNotFound
}

// GetMenu fetches one menu.
func (f *Fixture) GetMenu(_ context.Context, siteID, id int64) (refs.Menu, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if m, ok := f.menus[id]; ok && m.SiteID == siteID {
		return m, nil
	}
	return refs.Menu{}, refs.ErrNotFound
}

// ResolveLocal maps an absolute URL to the entity registered under it.
func (f *Fixture) ResolveLocal(_ context.Context, siteID int64, absoluteURL string) (refs.EntityRef, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ref, ok := f.byURL[absoluteURL]; ok && ref.SiteID == siteID {
		return ref, nil
	}
	return refs.EntityRef{}, refs.ErrNotFound
}

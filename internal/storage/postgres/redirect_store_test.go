package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/refscout/refscout/internal/refs"
)

func TestActiveProbesTableOnce(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("redirect_rules").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.True(t, store.Active(context.Background()))
	// Second call must not hit the database again.
	require.True(t, store.Active(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveFalseWhenTableMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("redirect_rules").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	require.False(t, store.Active(context.Background()))
}

func TestActiveFalseOnProbeError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("redirect_rules").
		WillReturnError(errors.New("connection refused"))

	require.False(t, store.Active(context.Background()))
}

func TestFindExactMatchesBySource(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	variants := []string{"/page", "https://example.com/page"}
	mock.ExpectQuery("SELECT id, site_id, source, destination, is_regex").
		WithArgs(variants).
		WillReturnRows(pgxmock.NewRows([]string{"id", "site_id", "source", "destination", "is_regex"}).
			AddRow(int64(7), int64(1), "/page", "/elsewhere", false))

	rules, err := store.FindExact(context.Background(), variants, refs.MatchSource)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, int64(7), rules[0].ID)
	require.False(t, rules[0].IsRegex)
}

func TestFindExactWithoutVariantsSkipsQuery(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	rules, err := store.FindExact(context.Background(), nil, refs.MatchBoth)
	require.NoError(t, err)
	require.Empty(t, rules)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRegex(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewRedirectRuleStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, site_id, source, destination, is_regex").
		WillReturnRows(pgxmock.NewRows([]string{"id", "site_id", "source", "destination", "is_regex"}).
			AddRow(int64(9), int64(1), `^/archive/(\d+)$`, "/posts/$1", true))

	rules, err := store.ListRegex(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.True(t, rules[0].IsRegex)
}

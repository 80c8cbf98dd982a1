package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/refscout/refscout/internal/refs"
)

func TestScanStateLoadMissingRowReturnsZeroState(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewScanStateStore(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT state FROM scan_states").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"state"}))

	state, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, state.Running())
	require.Zero(t, state.Progress)
}

func TestScanStateRoundTrip(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewScanStateStore(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	state := refs.ScanState{
		Type:          refs.ScanFull,
		StartDate:     &started,
		StartedBy:     "admin",
		Progress:      3,
		ProgressTotal: 6,
		Currently:     "Content",
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO scan_states").
		WithArgs(int64(1), raw).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Save(context.Background(), 1, state))

	mock.ExpectQuery("SELECT state FROM scan_states").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(raw))

	loaded, err := store.Load(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, loaded.Running())
	require.Equal(t, state.Progress, loaded.Progress)
	require.Equal(t, refs.ScanFull, loaded.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

package refs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestScanTypeValid(t *testing.T) {
	t.Parallel()

	require.True(t, ScanFull.Valid())
	require.True(t, ScanCheckStatus.Valid())
	require.True(t, ScanMaintenanceStatus.Valid())
	require.False(t, ScanType("incremental").Valid())
	require.False(t, ScanType("").Valid())
}

func TestScanStateRunning(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.False(t, ScanState{}.Running())
	require.True(t, ScanState{StartDate: timePtr(now)}.Running())
	require.False(t, ScanState{StartDate: timePtr(now), EndDate: timePtr(now)}.Running())
	require.False(t, ScanState{StartDate: timePtr(now), CancelledBy: "api"}.Running())
}

func TestArchiveNoopWithoutPriorRun(t *testing.T) {
	t.Parallel()

	var state ScanState
	state.Archive()
	require.Empty(t, state.History)
}

func TestArchiveTrimsToCap(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	state := ScanState{Type: ScanFull, StartDate: timePtr(start)}
	for i := 0; i < HistoryCap+3; i++ {
		state.Archive()
	}
	require.Len(t, state.History, HistoryCap)
}

func TestArchivePinsLastFullScan(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// One full scan followed by enough status runs to push it off the ring.
	state := ScanState{Type: ScanFull, StartDate: timePtr(start)}
	state.Archive()
	state.Type = ScanCheckStatus
	for i := 0; i < HistoryCap+2; i++ {
		state.Archive()
	}

	require.Len(t, state.History, HistoryCap)
	var fullScans int
	for _, summary := range state.History {
		if summary.Type == ScanFull {
			fullScans++
		}
	}
	require.Equal(t, 1, fullScans, "the last full-scan record survives trimming")
	require.Equal(t, ScanFull, state.History[HistoryCap-1].Type)
}

package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/refs"
)

// Frequency selects how often maintenance status scans recur.
type Frequency string

// Supported maintenance frequencies.
const (
	Weekly   Frequency = "weekly"
	BiWeekly Frequency = "bi-weekly"
	Monthly  Frequency = "monthly"
)

// Valid reports whether f is a supported frequency.
func (f Frequency) Valid() bool {
	switch f {
	case Weekly, BiWeekly, Monthly:
		return true
	}
	return false
}

// NextRun returns the first scheduled instant strictly after now. Weekly runs
// fire on Sundays at hour; bi-weekly on even ISO weeks; monthly on the first
// of the month.
func NextRun(f Frequency, hour int, now time.Time) time.Time {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	switch f {
	case Monthly:
		candidate := time.Date(now.Year(), now.Month(), 1, hour, 0, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 1, 0)
		}
		return candidate
	case BiWeekly:
		candidate := nextSunday(now, hour)
		if _, week := candidate.ISOWeek(); week%2 != 0 {
			candidate = candidate.AddDate(0, 0, 7)
		}
		return candidate
	default:
		return nextSunday(now, hour)
	}
}

func nextSunday(now time.Time, hour int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	for candidate.Weekday() != time.Sunday || !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Maintenance drives the recurring maintenance status scan. Each firing
// reschedules the next one; a run that fails only logs, it never breaks the
// chain.
type Maintenance struct {
	freq   Frequency
	hour   int
	clock  refs.Clock
	timer  *Timer
	run    func(context.Context) error
	logger *zap.Logger
}

// NewMaintenance wires the recurring trigger. run starts one maintenance
// scan.
func NewMaintenance(freq Frequency, hour int, clock refs.Clock, timer *Timer, run func(context.Context) error, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{freq: freq, hour: hour, clock: clock, timer: timer, run: run, logger: logger}
}

// Start schedules the first firing. Subsequent firings chain themselves.
func (m *Maintenance) Start(ctx context.Context) {
	now := m.clock.Now()
	next := NextRun(m.freq, m.hour, now)
	m.logger.Info("maintenance scan scheduled",
		zap.String("frequency", string(m.freq)),
		zap.Time("next", next),
	)
	m.timer.After(next.Sub(now), func() {
		if err := m.run(ctx); err != nil {
			m.logger.Warn("maintenance scan start failed", zap.Error(err))
		}
		m.Start(ctx)
	})
}

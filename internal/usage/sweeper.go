package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// Sweeper removes usage rows that no rule evaluation reads anymore.
type Sweeper struct {
	store  storage.UsageStore
	logger zerolog.Logger
}

// NewSweeper creates a new retention sweeper
func NewSweeper(store storage.UsageStore, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		logger: logger.With().Str("component", "retention-sweeper").Logger(),
	}
}

// SweepResult counts the rows a sweep deleted.
type SweepResult struct {
	UsedTimes int
	Sessions  int
}

// Sweep deletes used times from before the first day of date's week and
// session records that expired before now.
func (s *Sweeper) Sweep(ctx context.Context, date clock.Date, now time.Time) (SweepResult, error) {
	var result SweepResult
	cutoff := date.FirstDayOfWeek()

	s.logger.Info().
		Int("cutoff_day", cutoff).
		Time("now", now).
		Msg("Performing retention sweep")

	deleted, err := s.store.DeleteUsedTimesBefore(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("delete old used times: %w", err)
	}
	result.UsedTimes = deleted
	metrics.RetentionRowsDeleted.WithLabelValues("used_time").Add(float64(deleted))

	deleted, err = s.store.DeleteSessionDurationsBefore(ctx, now.UnixMilli())
	if err != nil {
		return result, fmt.Errorf("delete old sessions: %w", err)
	}
	result.Sessions = deleted
	metrics.RetentionRowsDeleted.WithLabelValues("session").Add(float64(deleted))

	s.logger.Info().
		Int("used_times_deleted", result.UsedTimes).
		Int("sessions_deleted", result.Sessions).
		Msg("Retention sweep complete")

	return result, nil
}

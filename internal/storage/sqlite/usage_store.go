package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
)

type usageStore struct {
	db *sql.DB
}

func (s *usageStore) ListUsedTimes(ctx context.Context, categoryID string, fromDay, toDay int) ([]storage.UsedTimeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day_of_epoch, start_minute_of_day, end_minute_of_day, used_ms
		FROM used_times
		WHERE category_id = ? AND day_of_epoch BETWEEN ? AND ?
		ORDER BY day_of_epoch, start_minute_of_day, end_minute_of_day`,
		categoryID, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make([]storage.UsedTimeItem, 0)
	for rows.Next() {
		item := storage.UsedTimeItem{CategoryID: categoryID}
		if err := rows.Scan(&item.DayOfEpoch, &item.StartMinuteOfDay, &item.EndMinuteOfDay, &item.UsedMillis); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *usageStore) ListSessionDurations(ctx context.Context, categoryID string) ([]storage.SessionDuration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT max_session_duration_ms, session_pause_duration_ms, start_minute_of_day, end_minute_of_day,
		       last_usage, last_session_duration_ms
		FROM session_durations
		WHERE category_id = ?`, categoryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]storage.SessionDuration, 0)
	for rows.Next() {
		session := storage.SessionDuration{CategoryID: categoryID}
		if err := rows.Scan(&session.MaxSessionDuration, &session.SessionPauseDuration,
			&session.StartMinuteOfDay, &session.EndMinuteOfDay,
			&session.LastUsage, &session.LastSessionDuration); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *usageStore) AddUsedTime(ctx context.Context, action storage.AddUsedTimeAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range action.Items {
		category, err := getJSON[storage.Category](ctx, tx, "SELECT data FROM categories WHERE id = ?", item.CategoryID)
		if errors.Is(err, storage.ErrNotFound) {
			return &storage.CategoryNotFoundError{CategoryID: item.CategoryID}
		}
		if err != nil {
			return err
		}

		for _, slot := range item.CountingSlots() {
			var used int64
			err := tx.QueryRowContext(ctx, `
				SELECT used_ms FROM used_times
				WHERE category_id = ? AND day_of_epoch = ? AND start_minute_of_day = ? AND end_minute_of_day = ?`,
				item.CategoryID, action.DayOfEpoch, slot.Start, slot.End).Scan(&used)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			used = storage.AddUsedMillis(used, item.TimeToAdd, slot)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO used_times (category_id, day_of_epoch, start_minute_of_day, end_minute_of_day, used_ms)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(category_id, day_of_epoch, start_minute_of_day, end_minute_of_day)
				DO UPDATE SET used_ms = excluded.used_ms`,
				item.CategoryID, action.DayOfEpoch, slot.Start, slot.End, used); err != nil {
				return fmt.Errorf("update used time: %w", err)
			}
		}

		for _, limit := range item.SessionDurationLimits {
			var old *storage.SessionDuration
			previous := storage.SessionDuration{CategoryID: item.CategoryID}
			err := tx.QueryRowContext(ctx, `
				SELECT max_session_duration_ms, session_pause_duration_ms, start_minute_of_day, end_minute_of_day,
				       last_usage, last_session_duration_ms
				FROM session_durations
				WHERE category_id = ? AND max_session_duration_ms = ? AND session_pause_duration_ms = ?
				  AND start_minute_of_day = ? AND end_minute_of_day = ?`,
				item.CategoryID, limit.MaxSessionDuration, limit.SessionPauseDuration,
				limit.StartMinuteOfDay, limit.EndMinuteOfDay).Scan(
				&previous.MaxSessionDuration, &previous.SessionPauseDuration,
				&previous.StartMinuteOfDay, &previous.EndMinuteOfDay,
				&previous.LastUsage, &previous.LastSessionDuration)
			switch {
			case err == nil:
				old = &previous
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			next := storage.NextSessionDuration(old, item.CategoryID, limit, item.TimeToAdd, action.TrustedTimestamp)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_durations (category_id, max_session_duration_ms, session_pause_duration_ms,
					start_minute_of_day, end_minute_of_day, last_usage, last_session_duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(category_id, max_session_duration_ms, session_pause_duration_ms, start_minute_of_day, end_minute_of_day)
				DO UPDATE SET last_usage = excluded.last_usage, last_session_duration_ms = excluded.last_session_duration_ms`,
				next.CategoryID, next.MaxSessionDuration, next.SessionPauseDuration,
				next.StartMinuteOfDay, next.EndMinuteOfDay, next.LastUsage, next.LastSessionDuration); err != nil {
				return fmt.Errorf("update session duration: %w", err)
			}
		}

		if item.ExtraTimeToSubtract != 0 {
			category.ExtraTimeMillis = storage.SubtractExtraTime(category.ExtraTimeMillis, item.ExtraTimeToSubtract)
			if err := putCategory(ctx, tx, *category); err != nil {
				return fmt.Errorf("update extra time: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (s *usageStore) DeleteUsedTimesBefore(ctx context.Context, dayOfEpoch int) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM used_times WHERE day_of_epoch < ?", dayOfEpoch)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *usageStore) DeleteSessionDurationsBefore(ctx context.Context, timestamp int64) (int, error) {
	// Mirrors storage.SessionExpiry: last usage + min(pause + 1h, 24h)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM session_durations
		WHERE last_usage + MIN(session_pause_duration_ms + 3600000, 86400000) < ?`, timestamp)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries on WATCH conflicts
const maxTxRetries = 5

type usageStore struct {
	client *redis.Client
}

// ListUsedTimes returns used time rows of a category within a day range
func (s *usageStore) ListUsedTimes(ctx context.Context, categoryID string, fromDay, toDay int) ([]storage.UsedTimeItem, error) {
	items, err := hvalues[storage.UsedTimeItem](ctx, s.client, usedKey(categoryID))
	if err != nil {
		return nil, err
	}
	filtered := make([]storage.UsedTimeItem, 0, len(items))
	for _, item := range items {
		if item.DayOfEpoch >= fromDay && item.DayOfEpoch <= toDay {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// ListSessionDurations returns the session records of a category
func (s *usageStore) ListSessionDurations(ctx context.Context, categoryID string) ([]storage.SessionDuration, error) {
	return hvalues[storage.SessionDuration](ctx, s.client, sessionsKey(categoryID))
}

// hashWrite is a pending HSET collected while reading inside a WATCH.
type hashWrite struct {
	key   string
	field string
	value any
}

// AddUsedTime applies the action in a WATCH/MULTI transaction
func (s *usageStore) AddUsedTime(ctx context.Context, action storage.AddUsedTimeAction) error {
	keys := []string{keyCategories}
	for _, item := range action.Items {
		keys = append(keys, usedKey(item.CategoryID), sessionsKey(item.CategoryID))
	}

	txf := func(tx *redis.Tx) error {
		writes := make([]hashWrite, 0)
		pending := make(map[string]any)

		lookup := func(key, field string, out any) (bool, error) {
			if value, ok := pending[key+"\x00"+field]; ok {
				data, err := encode(value)
				if err != nil {
					return false, err
				}
				return true, decode(data, out)
			}
			data, err := tx.HGet(ctx, key, field).Result()
			if errors.Is(err, redis.Nil) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, decode(data, out)
		}
		write := func(key, field string, value any) {
			pending[key+"\x00"+field] = value
			writes = append(writes, hashWrite{key: key, field: field, value: value})
		}

		for _, item := range action.Items {
			var category storage.Category
			found, err := lookup(keyCategories, item.CategoryID, &category)
			if err != nil {
				return err
			}
			if !found {
				return &storage.CategoryNotFoundError{CategoryID: item.CategoryID}
			}

			for _, slot := range item.CountingSlots() {
				field := usedField(action.DayOfEpoch, slot)
				row := storage.UsedTimeItem{
					CategoryID:       item.CategoryID,
					DayOfEpoch:       action.DayOfEpoch,
					StartMinuteOfDay: slot.Start,
					EndMinuteOfDay:   slot.End,
				}
				if _, err := lookup(usedKey(item.CategoryID), field, &row); err != nil {
					return err
				}
				row.UsedMillis = storage.AddUsedMillis(row.UsedMillis, item.TimeToAdd, slot)
				write(usedKey(item.CategoryID), field, row)
			}

			for _, limit := range item.SessionDurationLimits {
				field := sessionField(limit)
				var previous storage.SessionDuration
				found, err := lookup(sessionsKey(item.CategoryID), field, &previous)
				if err != nil {
					return err
				}
				var old *storage.SessionDuration
				if found {
					old = &previous
				}
				next := storage.NextSessionDuration(old, item.CategoryID, limit, item.TimeToAdd, action.TrustedTimestamp)
				write(sessionsKey(item.CategoryID), field, next)
			}

			if item.ExtraTimeToSubtract != 0 {
				category.ExtraTimeMillis = storage.SubtractExtraTime(category.ExtraTimeMillis, item.ExtraTimeToSubtract)
				write(keyCategories, category.ID, category)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range writes {
				data, err := encode(w.value)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, w.key, w.field, data)
				switch value := w.value.(type) {
				case storage.UsedTimeItem:
					pipe.SAdd(ctx, keyUsedIndex, value.CategoryID)
				case storage.SessionDuration:
					pipe.ZAdd(ctx, keySessionExpiry, redis.Z{
						Score:  float64(storage.SessionExpiry(value)),
						Member: expiryMember(value.CategoryID, w.field),
					})
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("add used time: transaction aborted %d times", maxTxRetries)
}

// DeleteUsedTimesBefore removes used time rows of days before dayOfEpoch
func (s *usageStore) DeleteUsedTimesBefore(ctx context.Context, dayOfEpoch int) (int, error) {
	cutoff := fmt.Sprintf("%08d", dayOfEpoch)
	deleted, err := sweepUsedTimes(ctx, s.client, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete used times: %w", err)
	}
	return deleted, nil
}

// DeleteSessionDurationsBefore removes session rows that expired before timestamp
func (s *usageStore) DeleteSessionDurationsBefore(ctx context.Context, timestamp int64) (int, error) {
	deleted, err := sweepSessions(ctx, s.client, timestamp)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return deleted, nil
}

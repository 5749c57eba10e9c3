package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

type usageStore struct {
	db *bbolt.DB
}

func (s *usageStore) ListUsedTimes(ctx context.Context, categoryID string, fromDay, toDay int) ([]storage.UsedTimeItem, error) {
	items, err := listPrefix[storage.UsedTimeItem](ctx, s.db, bucketUsedTimes, categoryPrefix(categoryID))
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

func (s *usageStore) ListSessionDurations(ctx context.Context, categoryID string) ([]storage.SessionDuration, error) {
	return listPrefix[storage.SessionDuration](ctx, s.db, bucketSessions, categoryPrefix(categoryID))
}

func (s *usageStore) AddUsedTime(ctx context.Context, action storage.AddUsedTimeAction) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		categories := tx.Bucket([]byte(bucketCategories))
		usedTimes := tx.Bucket([]byte(bucketUsedTimes))
		sessions := tx.Bucket([]byte(bucketSessions))
		if categories == nil || usedTimes == nil || sessions == nil {
			return fmt.Errorf("usage buckets missing")
		}

		for _, item := range action.Items {
			raw := categories.Get([]byte(item.CategoryID))
			if raw == nil {
				return &storage.CategoryNotFoundError{CategoryID: item.CategoryID}
			}

			for _, slot := range item.CountingSlots() {
				key := []byte(usedTimeKey(item.CategoryID, action.DayOfEpoch, slot))
				row := storage.UsedTimeItem{
					CategoryID:       item.CategoryID,
					DayOfEpoch:       action.DayOfEpoch,
					StartMinuteOfDay: slot.Start,
					EndMinuteOfDay:   slot.End,
				}
				if existing := usedTimes.Get(key); existing != nil {
					if err := unmarshal(existing, &row); err != nil {
						return err
					}
				}
				row.UsedMillis = storage.AddUsedMillis(row.UsedMillis, item.TimeToAdd, slot)
				if err := putValue(usedTimes, key, row); err != nil {
					return err
				}
			}

			for _, limit := range item.SessionDurationLimits {
				key := []byte(sessionKey(item.CategoryID, limit))
				var old *storage.SessionDuration
				if existing := sessions.Get(key); existing != nil {
					var previous storage.SessionDuration
					if err := unmarshal(existing, &previous); err != nil {
						return err
					}
					old = &previous
				}
				next := storage.NextSessionDuration(old, item.CategoryID, limit, item.TimeToAdd, action.TrustedTimestamp)
				if err := putValue(sessions, key, next); err != nil {
					return err
				}
			}

			if item.ExtraTimeToSubtract != 0 {
				var category storage.Category
				if err := unmarshal(raw, &category); err != nil {
					return err
				}
				category.ExtraTimeMillis = storage.SubtractExtraTime(category.ExtraTimeMillis, item.ExtraTimeToSubtract)
				if err := putValue(categories, []byte(category.ID), category); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *usageStore) DeleteUsedTimesBefore(ctx context.Context, dayOfEpoch int) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return deleteMatching(ctx, tx, bucketUsedTimes, func(item storage.UsedTimeItem) bool {
			if item.DayOfEpoch < dayOfEpoch {
				deleted++
				return true
			}
			return false
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *usageStore) DeleteSessionDurationsBefore(ctx context.Context, timestamp int64) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return deleteMatching(ctx, tx, bucketSessions, func(session storage.SessionDuration) bool {
			if storage.SessionExpiry(session) < timestamp {
				deleted++
				return true
			}
			return false
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func deleteMatching[T any](ctx context.Context, tx *bbolt.Tx, bucket string, match func(T) bool) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	keys := make([][]byte, 0)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var item T
		if err := unmarshal(v, &item); err != nil {
			return err
		}
		if match(item) {
			keys = append(keys, append([]byte(nil), k...))
		}
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putValue(b *bbolt.Bucket, key []byte, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func usedTimeKey(categoryID string, dayOfEpoch int, slot storage.Slot) string {
	return fmt.Sprintf("%s%08d/%04d/%04d", categoryPrefix(categoryID), dayOfEpoch, slot.Start, slot.End)
}

func sessionKey(categoryID string, slot storage.SessionSlot) string {
	return fmt.Sprintf("%s%d/%d/%04d/%04d", categoryPrefix(categoryID),
		slot.MaxSessionDuration, slot.SessionPauseDuration, slot.StartMinuteOfDay, slot.EndMinuteOfDay)
}

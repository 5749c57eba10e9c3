package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyDevice        = "ktime:device"
	keyUsers         = "ktime:users"
	keyCategories    = "ktime:categories"
	keyUsedIndex     = "ktime:used:index"
	keySessionExpiry = "ktime:sessions:expiry"

	prefixRules    = "ktime:rules:"
	prefixUsed     = "ktime:used:"
	prefixSessions = "ktime:sessions:"
)

func rulesKey(categoryID string) string    { return prefixRules + categoryID }
func usedKey(categoryID string) string     { return prefixUsed + categoryID }
func sessionsKey(categoryID string) string { return prefixSessions + categoryID }

// usedField orders rows of a category by day, then slot.
func usedField(dayOfEpoch int, slot storage.Slot) string {
	return fmt.Sprintf("%08d/%04d/%04d", dayOfEpoch, slot.Start, slot.End)
}

func sessionField(slot storage.SessionSlot) string {
	return fmt.Sprintf("%d/%d/%04d/%04d", slot.MaxSessionDuration, slot.SessionPauseDuration, slot.StartMinuteOfDay, slot.EndMinuteOfDay)
}

// expiryMember names a session row in the expiry index.
func expiryMember(categoryID, field string) string {
	return categoryID + "|" + field
}

func splitExpiryMember(member string) (categoryID, field string, ok bool) {
	return strings.Cut(member, "|")
}

func encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

func decode(data string, out any) error {
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// hget reads and decodes one hash field.
func hget[T any](ctx context.Context, client redis.Cmdable, key, field string) (*T, error) {
	data, err := client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item T
	if err := decode(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// hvalues decodes every value of a hash, ordered by field.
func hvalues[T any](ctx context.Context, client redis.Cmdable, key string) ([]T, error) {
	data, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(data))
	for field := range data {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	items := make([]T, 0, len(data))
	for _, field := range fields {
		var item T
		if err := decode(data[field], &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

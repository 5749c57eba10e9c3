package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type deviceStore struct {
	client *redis.Client
}

// Get returns the device settings
func (s *deviceStore) Get(ctx context.Context) (*storage.Device, error) {
	data, err := s.client.Get(ctx, keyDevice).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var device storage.Device
	if err := decode(data, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// Upsert stores the device settings
func (s *deviceStore) Upsert(ctx context.Context, device storage.Device) error {
	data, err := encode(device)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyDevice, data, 0).Err()
}

type userStore struct {
	client *redis.Client
}

func (s *userStore) Get(ctx context.Context, id string) (*storage.User, error) {
	return hget[storage.User](ctx, s.client, keyUsers, id)
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return hvalues[storage.User](ctx, s.client, keyUsers)
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	data, err := encode(user)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, keyUsers, user.ID, data).Err()
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.HDel(ctx, keyUsers, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type categoryStore struct {
	client *redis.Client
}

func (s *categoryStore) Get(ctx context.Context, id string) (*storage.Category, error) {
	return hget[storage.Category](ctx, s.client, keyCategories, id)
}

func (s *categoryStore) ListByUser(ctx context.Context, userID string) ([]storage.Category, error) {
	all, err := hvalues[storage.Category](ctx, s.client, keyCategories)
	if err != nil {
		return nil, err
	}
	categories := make([]storage.Category, 0, len(all))
	for _, category := range all {
		if category.UserID == userID {
			categories = append(categories, category)
		}
	}
	return categories, nil
}

func (s *categoryStore) Upsert(ctx context.Context, category storage.Category) error {
	if err := category.Validate(); err != nil {
		return err
	}
	data, err := encode(category)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, keyCategories, category.ID, data).Err()
}

// Delete removes the category together with its rules, usage and sessions
func (s *categoryStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.HExists(ctx, keyCategories, id).Result()
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}

	sessionFields, err := s.client.HKeys(ctx, sessionsKey(id)).Result()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, keyCategories, id)
		pipe.Del(ctx, rulesKey(id), usedKey(id), sessionsKey(id))
		pipe.SRem(ctx, keyUsedIndex, id)
		for _, field := range sessionFields {
			pipe.ZRem(ctx, keySessionExpiry, expiryMember(id, field))
		}
		return nil
	})
	return err
}

type ruleStore struct {
	client *redis.Client
}

func (s *ruleStore) ListByCategory(ctx context.Context, categoryID string) ([]storage.TimeLimitRule, error) {
	return hvalues[storage.TimeLimitRule](ctx, s.client, rulesKey(categoryID))
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.TimeLimitRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	data, err := encode(rule)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, rulesKey(rule.CategoryID), rule.ID, data).Err()
}

func (s *ruleStore) Delete(ctx context.Context, categoryID, id string) error {
	removed, err := s.client.HDel(ctx, rulesKey(categoryID), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

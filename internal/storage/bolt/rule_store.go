package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

type categoryStore struct {
	db *bbolt.DB
}

func (s *categoryStore) Get(ctx context.Context, id string) (*storage.Category, error) {
	return getBucketValue[storage.Category](ctx, s.db, bucketCategories, id)
}

func (s *categoryStore) ListByUser(ctx context.Context, userID string) ([]storage.Category, error) {
	all, err := listBucket[storage.Category](ctx, s.db, bucketCategories)
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
	return putBucketValue(ctx, s.db, bucketCategories, category.ID, category)
}

func (s *categoryStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketCategories))
		if b == nil || b.Get([]byte(id)) == nil {
			return storage.ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		for _, bucket := range []string{bucketRules, bucketUsedTimes, bucketSessions} {
			if err := deletePrefix(tx, bucket, categoryPrefix(id)); err != nil {
				return fmt.Errorf("delete %s of category %s: %w", bucket, id, err)
			}
		}
		return nil
	})
}

type ruleStore struct {
	db *bbolt.DB
}

func (s *ruleStore) ListByCategory(ctx context.Context, categoryID string) ([]storage.TimeLimitRule, error) {
	return listPrefix[storage.TimeLimitRule](ctx, s.db, bucketRules, categoryPrefix(categoryID))
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.TimeLimitRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return putBucketValue(ctx, s.db, bucketRules, ruleKey(rule.CategoryID, rule.ID), rule)
}

func (s *ruleStore) Delete(ctx context.Context, categoryID, id string) error {
	return deleteBucketValue(ctx, s.db, bucketRules, ruleKey(categoryID, id))
}

func ruleKey(categoryID, id string) string {
	return categoryPrefix(categoryID) + id
}

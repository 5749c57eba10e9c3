package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"go.etcd.io/bbolt"
)

type deviceStore struct {
	db *bbolt.DB
}

func (s *deviceStore) Get(ctx context.Context) (*storage.Device, error) {
	return getBucketValue[storage.Device](ctx, s.db, bucketDevice, deviceKey)
}

func (s *deviceStore) Upsert(ctx context.Context, device storage.Device) error {
	return putBucketValue(ctx, s.db, bucketDevice, deviceKey, device)
}

type userStore struct {
	db *bbolt.DB
}

func (s *userStore) Get(ctx context.Context, id string) (*storage.User, error) {
	return getBucketValue[storage.User](ctx, s.db, bucketUsers, id)
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return listBucket[storage.User](ctx, s.db, bucketUsers)
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	return putBucketValue(ctx, s.db, bucketUsers, user.ID, user)
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s.db, bucketUsers, id)
}

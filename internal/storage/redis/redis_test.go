package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so the port is left at zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestAddUsedTimeMaintainsIndexes(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	storagetest.Seed(t, store, "games")

	err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
		DayOfEpoch:       19723,
		TrustedTimestamp: 1_000_000,
		Items: []storage.AddUsedTimeItem{{
			CategoryID: "games",
			TimeToAdd:  5000,
			SessionDurationLimits: []storage.SessionSlot{{
				MaxSessionDuration:   600_000,
				SessionPauseDuration: 60_000,
				EndMinuteOfDay:       storage.MaxMinuteOfDay,
			}},
		}},
	})
	if err != nil {
		t.Fatalf("AddUsedTime failed: %v", err)
	}

	members, err := mr.SMembers(keyUsedIndex)
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "games" {
		t.Errorf("Expected used index to contain games, got %v", members)
	}

	field := sessionField(storage.SessionSlot{MaxSessionDuration: 600_000, SessionPauseDuration: 60_000, EndMinuteOfDay: storage.MaxMinuteOfDay})
	score, err := mr.ZScore(keySessionExpiry, expiryMember("games", field))
	if err != nil {
		t.Fatalf("ZScore failed: %v", err)
	}
	if int64(score) != 1_000_000+60_000+3_600_000 {
		t.Errorf("Expected expiry score %d, got %f", 1_000_000+60_000+3_600_000, score)
	}
}

func TestDeleteCategoryClearsIndexes(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	storagetest.Seed(t, store, "games")

	err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
		DayOfEpoch:       1,
		TrustedTimestamp: 1_000,
		Items: []storage.AddUsedTimeItem{{
			CategoryID:            "games",
			TimeToAdd:             1000,
			SessionDurationLimits: []storage.SessionSlot{{MaxSessionDuration: 1000, SessionPauseDuration: 1000, EndMinuteOfDay: 10}},
		}},
	})
	if err != nil {
		t.Fatalf("AddUsedTime failed: %v", err)
	}

	if err := store.Categories().Delete(ctx, "games"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if mr.Exists(usedKey("games")) || mr.Exists(sessionsKey("games")) {
		t.Error("Expected usage keys to be removed")
	}
	if members, _ := mr.ZMembers(keySessionExpiry); len(members) != 0 {
		t.Errorf("Expected empty expiry index, got %v", members)
	}
}

// Package storagetest holds behaviour tests shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/ktime/internal/storage"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) storage.Store

// Run exercises the storage contract against stores created by open.
func Run(t *testing.T, open Opener) {
	t.Run("device", func(t *testing.T) { testDevice(t, open(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("categories cascade", func(t *testing.T) { testCategoryCascade(t, open(t)) })
	t.Run("add used time", func(t *testing.T) { testAddUsedTime(t, open(t)) })
	t.Run("missing category", func(t *testing.T) { testMissingCategory(t, open(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, open(t)) })
	t.Run("retention", func(t *testing.T) { testRetention(t, open(t)) })
}

// Seed stores a child user with one category and returns the category.
func Seed(t *testing.T, store storage.Store, categoryID string) storage.Category {
	t.Helper()
	ctx := context.Background()

	if err := store.Users().Upsert(ctx, storage.User{ID: "kid", Name: "Kid", Type: storage.UserTypeChild, TimeZone: "UTC"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	category := storage.Category{
		ID:              categoryID,
		UserID:          "kid",
		Title:           categoryID,
		ExtraTimeDay:    storage.NoExtraTimeDay,
		ExtraTimeMillis: 10_000,
	}
	if err := store.Categories().Upsert(ctx, category); err != nil {
		t.Fatalf("upsert category: %v", err)
	}
	return category
}

func testDevice(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if _, err := store.Devices().Get(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unconfigured device, got %v", err)
	}

	device := storage.Device{ID: "tablet", CurrentUserID: "kid", TemporarilyAllowedApps: []string{"com.example.maps"}}
	if err := store.Devices().Upsert(ctx, device); err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	got, err := store.Devices().Get(ctx)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.CurrentUserID != "kid" || !got.IsTemporarilyAllowed("com.example.maps") {
		t.Fatalf("unexpected device %+v", got)
	}
}

func testUsers(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, user := range []storage.User{
		{ID: "kid", Type: storage.UserTypeChild, TimeZone: "Europe/Berlin"},
		{ID: "mum", Type: storage.UserTypeParent},
	} {
		if err := store.Users().Upsert(ctx, user); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}

	users, err := store.Users().List(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}

	if err := store.Users().Delete(ctx, "mum"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := store.Users().Get(ctx, "mum"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Users().Delete(ctx, "mum"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func testCategoryCascade(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	Seed(t, store, "games")
	Seed(t, store, "games2")

	rule := storage.TimeLimitRule{
		ID: "weekday", CategoryID: "games", DayMask: 0x1f,
		StartMinuteOfDay: 0, EndMinuteOfDay: storage.MaxMinuteOfDay, MaximumTimeMillis: 3_600_000,
	}
	if err := store.Rules().Upsert(ctx, rule); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	other := rule
	other.CategoryID = "games2"
	if err := store.Rules().Upsert(ctx, other); err != nil {
		t.Fatalf("upsert rule: %v", err)
	}

	rules, err := store.Rules().ListByCategory(ctx, "games")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 || rules[0].MaximumTimeMillis != 3_600_000 {
		t.Fatalf("unexpected rules %+v", rules)
	}

	action := storage.AddUsedTimeAction{DayOfEpoch: 100, Items: []storage.AddUsedTimeItem{{CategoryID: "games", TimeToAdd: 1000}}}
	if err := store.Usage().AddUsedTime(ctx, action); err != nil {
		t.Fatalf("add used time: %v", err)
	}

	categories, err := store.Categories().ListByUser(ctx, "kid")
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if len(categories) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(categories))
	}

	if err := store.Categories().Delete(ctx, "games"); err != nil {
		t.Fatalf("delete category: %v", err)
	}

	if rules, _ := store.Rules().ListByCategory(ctx, "games"); len(rules) != 0 {
		t.Fatalf("rules should be removed with the category, got %d", len(rules))
	}
	if items, _ := store.Usage().ListUsedTimes(ctx, "games", 0, 1000); len(items) != 0 {
		t.Fatalf("used time should be removed with the category, got %d", len(items))
	}
	if rules, _ := store.Rules().ListByCategory(ctx, "games2"); len(rules) != 1 {
		t.Fatal("other category rules must survive")
	}
}

func testAddUsedTime(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	Seed(t, store, "games")
	hour := storage.Slot{Start: 600, End: 659}

	add := func(timeToAdd, extra int64) {
		t.Helper()
		err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
			DayOfEpoch: 200,
			Items: []storage.AddUsedTimeItem{{
				CategoryID:              "games",
				TimeToAdd:               timeToAdd,
				ExtraTimeToSubtract:     extra,
				AdditionalCountingSlots: []storage.Slot{hour},
			}},
		})
		if err != nil {
			t.Fatalf("add used time: %v", err)
		}
	}

	add(60_000, 4_000)
	add(3_590_000, 8_000)

	items, err := store.Usage().ListUsedTimes(ctx, "games", 200, 200)
	if err != nil {
		t.Fatalf("list used times: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected whole day and hour slot rows, got %d", len(items))
	}
	for _, item := range items {
		switch item.Slot() {
		case storage.WholeDay:
			if item.UsedMillis != 3_650_000 {
				t.Errorf("expected whole day usage 3650000, got %d", item.UsedMillis)
			}
		case hour:
			if item.UsedMillis != 3_600_000 {
				t.Errorf("expected hour slot clamped to 3600000, got %d", item.UsedMillis)
			}
		default:
			t.Errorf("unexpected slot %+v", item.Slot())
		}
	}

	category, err := store.Categories().Get(ctx, "games")
	if err != nil {
		t.Fatalf("get category: %v", err)
	}
	if category.ExtraTimeMillis != 0 {
		t.Fatalf("expected extra time to stop at 0, got %d", category.ExtraTimeMillis)
	}

	if items, _ := store.Usage().ListUsedTimes(ctx, "games", 201, 207); len(items) != 0 {
		t.Fatalf("expected no rows outside the day range, got %d", len(items))
	}
}

func testMissingCategory(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	Seed(t, store, "games")
	err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
		DayOfEpoch: 5,
		Items: []storage.AddUsedTimeItem{
			{CategoryID: "games", TimeToAdd: 1000},
			{CategoryID: "gone", TimeToAdd: 1000},
		},
	})
	var notFound *storage.CategoryNotFoundError
	if !errors.As(err, &notFound) || notFound.CategoryID != "gone" {
		t.Fatalf("expected CategoryNotFoundError for gone, got %v", err)
	}

	items, err := store.Usage().ListUsedTimes(ctx, "games", 0, 10)
	if err != nil {
		t.Fatalf("list used times: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("failed action must not be partially applied, got %d rows", len(items))
	}
}

func testSessions(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	Seed(t, store, "games")
	slot := storage.SessionSlot{
		MaxSessionDuration:   600_000,
		SessionPauseDuration: 60_000,
		StartMinuteOfDay:     0,
		EndMinuteOfDay:       storage.MaxMinuteOfDay,
	}
	const t0 = int64(1_700_000_000_000)

	for _, ts := range []int64{t0, t0 + 30_000} {
		err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
			DayOfEpoch:       19675,
			TrustedTimestamp: ts,
			Items: []storage.AddUsedTimeItem{{
				CategoryID:            "games",
				TimeToAdd:             100_000,
				SessionDurationLimits: []storage.SessionSlot{slot},
			}},
		})
		if err != nil {
			t.Fatalf("add used time: %v", err)
		}
	}

	sessions, err := store.Usage().ListSessionDurations(ctx, "games")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session record, got %d", len(sessions))
	}
	if sessions[0].LastSessionDuration != 200_000 || sessions[0].LastUsage != t0+30_000 {
		t.Fatalf("unexpected session %+v", sessions[0])
	}
}

func testRetention(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	Seed(t, store, "games")
	slot := storage.SessionSlot{MaxSessionDuration: 600_000, SessionPauseDuration: 60_000, EndMinuteOfDay: storage.MaxMinuteOfDay}

	for _, day := range []int{10, 11, 12} {
		err := store.Usage().AddUsedTime(ctx, storage.AddUsedTimeAction{
			DayOfEpoch:       day,
			TrustedTimestamp: 1_000_000,
			Items:            []storage.AddUsedTimeItem{{CategoryID: "games", TimeToAdd: 1000, SessionDurationLimits: []storage.SessionSlot{slot}}},
		})
		if err != nil {
			t.Fatalf("add used time: %v", err)
		}
	}

	deleted, err := store.Usage().DeleteUsedTimesBefore(ctx, 12)
	if err != nil {
		t.Fatalf("delete used times: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}

	// Expiry is last usage + pause + 1h.
	expiry := int64(1_000_000 + 60_000 + 3_600_000)
	if deleted, err := store.Usage().DeleteSessionDurationsBefore(ctx, expiry); err != nil || deleted != 0 {
		t.Fatalf("session must survive until it expires, deleted=%d err=%v", deleted, err)
	}
	if deleted, err := store.Usage().DeleteSessionDurationsBefore(ctx, expiry+1); err != nil || deleted != 1 {
		t.Fatalf("expected expired session to be deleted, deleted=%d err=%v", deleted, err)
	}
}

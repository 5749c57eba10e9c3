package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/bolt"
	"github.com/goodtune/ktime/internal/storage/storagetest"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "ktime.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func usedMillis(t *testing.T, store storage.Store, categoryID string, day int) int64 {
	t.Helper()
	items, err := store.Usage().ListUsedTimes(context.Background(), categoryID, day, day)
	if err != nil {
		t.Fatalf("list used times: %v", err)
	}
	for _, item := range items {
		if item.Slot() == storage.WholeDay {
			return item.UsedMillis
		}
	}
	return 0
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	storagetest.Seed(t, store, "games")
	d := New(store.Usage(), 0, zerolog.Nop())

	err := d.Commit(ctx, storage.AddUsedTimeAction{
		DayOfEpoch: 19723,
		Items:      []storage.AddUsedTimeItem{{CategoryID: "games", TimeToAdd: 5000}},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := usedMillis(t, store, "games", 19723); got != 5000 {
		t.Errorf("expected 5000ms used, got %d", got)
	}
}

func TestCommitDropsMissingCategory(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	storagetest.Seed(t, store, "games")
	d := New(store.Usage(), 0, zerolog.Nop())

	err := d.Commit(ctx, storage.AddUsedTimeAction{
		DayOfEpoch: 19723,
		Items: []storage.AddUsedTimeItem{
			{CategoryID: "deleted", TimeToAdd: 5000},
			{CategoryID: "games", TimeToAdd: 5000},
		},
	})

	var notFound *storage.CategoryNotFoundError
	if !errors.As(err, &notFound) || notFound.CategoryID != "deleted" {
		t.Fatalf("expected CategoryNotFoundError for deleted, got %v", err)
	}
	if got := usedMillis(t, store, "games", 19723); got != 5000 {
		t.Errorf("remaining items must be committed, got %d", got)
	}
}

func TestCommitInvalidAction(t *testing.T) {
	store := openStore(t)
	d := New(store.Usage(), 0, zerolog.Nop())

	tests := []struct {
		name   string
		action storage.AddUsedTimeAction
	}{
		{name: "no items", action: storage.AddUsedTimeAction{DayOfEpoch: 1}},
		{name: "duplicate category", action: storage.AddUsedTimeAction{Items: []storage.AddUsedTimeItem{
			{CategoryID: "games", TimeToAdd: 1}, {CategoryID: "games", TimeToAdd: 1},
		}}},
		{name: "negative time", action: storage.AddUsedTimeAction{Items: []storage.AddUsedTimeItem{
			{CategoryID: "games", TimeToAdd: -1},
		}}},
		{name: "invalid slot", action: storage.AddUsedTimeAction{Items: []storage.AddUsedTimeItem{
			{CategoryID: "games", AdditionalCountingSlots: []storage.Slot{{Start: 600, End: 2000}}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Commit(context.Background(), tt.action); !errors.Is(err, ErrInvalidAction) {
				t.Errorf("expected ErrInvalidAction, got %v", err)
			}
		})
	}
}

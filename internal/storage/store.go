package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrCategoryNotFound is returned when a usage commit references a
// category that no longer exists.
var ErrCategoryNotFound = errors.New("storage: category not found")

// CategoryNotFoundError names the missing category of a failed commit.
type CategoryNotFoundError struct {
	CategoryID string
}

func (e *CategoryNotFoundError) Error() string {
	return fmt.Sprintf("storage: category %s not found", e.CategoryID)
}

// Is makes errors.Is(err, ErrCategoryNotFound) match.
func (e *CategoryNotFoundError) Is(target error) bool {
	return target == ErrCategoryNotFound
}

// Store represents the root storage interface.
type Store interface {
	Close() error
	Devices() DeviceStore
	Users() UserStore
	Categories() CategoryStore
	Rules() RuleStore
	Usage() UsageStore
}

// DeviceStore manages the settings of the local device.
type DeviceStore interface {
	Get(ctx context.Context) (*Device, error)
	Upsert(ctx context.Context, device Device) error
}

// UserStore manages users.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Upsert(ctx context.Context, user User) error
	Delete(ctx context.Context, id string) error
}

// CategoryStore manages categories. Deleting a category also removes its
// rules, used time and session records.
type CategoryStore interface {
	Get(ctx context.Context, id string) (*Category, error)
	ListByUser(ctx context.Context, userID string) ([]Category, error)
	Upsert(ctx context.Context, category Category) error
	Delete(ctx context.Context, id string) error
}

// RuleStore manages time limit rules.
type RuleStore interface {
	ListByCategory(ctx context.Context, categoryID string) ([]TimeLimitRule, error)
	Upsert(ctx context.Context, rule TimeLimitRule) error
	Delete(ctx context.Context, categoryID, id string) error
}

// UsageStore manages used time and session duration records.
type UsageStore interface {
	// ListUsedTimes returns the items of a category with fromDay <= day <= toDay.
	ListUsedTimes(ctx context.Context, categoryID string, fromDay, toDay int) ([]UsedTimeItem, error)
	ListSessionDurations(ctx context.Context, categoryID string) ([]SessionDuration, error)
	// AddUsedTime applies the action in one transaction. It fails with a
	// *CategoryNotFoundError, leaving storage untouched, when any item's
	// category is missing.
	AddUsedTime(ctx context.Context, action AddUsedTimeAction) error
	DeleteUsedTimesBefore(ctx context.Context, dayOfEpoch int) (int, error)
	// DeleteSessionDurationsBefore removes sessions whose SessionExpiry is
	// before timestamp (epoch ms).
	DeleteSessionDurationsBefore(ctx context.Context, timestamp int64) (int, error)
}

// SessionExpiry returns the epoch ms after which a session record is
// no longer needed.
func SessionExpiry(s SessionDuration) int64 {
	keep := s.SessionPauseDuration + time.Hour.Milliseconds()
	if day := (24 * time.Hour).Milliseconds(); keep > day {
		keep = day
	}
	return s.LastUsage + keep
}

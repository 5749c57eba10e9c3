package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CategoryRelatedData bundles everything needed to judge one category.
type CategoryRelatedData struct {
	Category  Category
	Rules     []TimeLimitRule
	UsedTimes []UsedTimeItem
	Durations []SessionDuration
}

// UserRelatedData is a read-through view of one user's configuration and
// current-week usage. It is rebuilt whenever storage changes.
type UserRelatedData struct {
	User       User
	Categories map[string]*CategoryRelatedData
	// FirstDayOfWeek is the epoch day the used times were loaded from.
	FirstDayOfWeek int
	// Location is User.TimeZone resolved once per rebuild.
	Location *time.Location

	apps map[string]string
}

// CategoryForApp returns the category an app or "package:activity" key is
// assigned to.
func (u *UserRelatedData) CategoryForApp(key string) (string, bool) {
	id, ok := u.apps[key]
	return id, ok
}

// CategoryIDs returns the category ids in display order.
func (u *UserRelatedData) CategoryIDs() []string {
	ids := make([]string, 0, len(u.Categories))
	for id := range u.Categories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := u.Categories[ids[i]].Category, u.Categories[ids[j]].Category
		if a.Sort != b.Sort {
			return a.Sort < b.Sort
		}
		return a.ID < b.ID
	})
	return ids
}

// CategoryChain returns id followed by its parent categories. Cycles and
// missing parents end the chain.
func (u *UserRelatedData) CategoryChain(id string) []string {
	chain := make([]string, 0, 2)
	seen := make(map[string]struct{})
	for id != "" {
		if _, ok := seen[id]; ok {
			break
		}
		category, ok := u.Categories[id]
		if !ok {
			break
		}
		seen[id] = struct{}{}
		chain = append(chain, id)
		id = category.Category.ParentCategoryID
	}
	return chain
}

// DeviceRelatedData holds the device settings.
type DeviceRelatedData struct {
	Device Device
}

// LoadUserRelatedData reads a user's categories, rules, session records and
// the used time of the week starting at firstDayOfWeek.
func LoadUserRelatedData(ctx context.Context, store Store, userID string, firstDayOfWeek int) (*UserRelatedData, error) {
	user, err := store.Users().Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}

	categories, err := store.Categories().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}

	related := make([]*CategoryRelatedData, 0, len(categories))
	for _, category := range categories {
		rules, err := store.Rules().ListByCategory(ctx, category.ID)
		if err != nil {
			return nil, fmt.Errorf("list rules of %s: %w", category.ID, err)
		}
		usedTimes, err := store.Usage().ListUsedTimes(ctx, category.ID, firstDayOfWeek, firstDayOfWeek+6)
		if err != nil {
			return nil, fmt.Errorf("list used times of %s: %w", category.ID, err)
		}
		durations, err := store.Usage().ListSessionDurations(ctx, category.ID)
		if err != nil {
			return nil, fmt.Errorf("list sessions of %s: %w", category.ID, err)
		}
		related = append(related, &CategoryRelatedData{
			Category:  category,
			Rules:     rules,
			UsedTimes: usedTimes,
			Durations: durations,
		})
	}

	return NewUserRelatedData(*user, related, firstDayOfWeek), nil
}

// NewUserRelatedData indexes already loaded data. When an app is assigned
// to several categories, the first in display order wins.
func NewUserRelatedData(user User, categories []*CategoryRelatedData, firstDayOfWeek int) *UserRelatedData {
	data := &UserRelatedData{
		User:           user,
		Categories:     make(map[string]*CategoryRelatedData, len(categories)),
		FirstDayOfWeek: firstDayOfWeek,
		Location:       user.Location(),
		apps:           make(map[string]string),
	}
	for _, category := range categories {
		data.Categories[category.Category.ID] = category
	}

	for _, id := range data.CategoryIDs() {
		for _, app := range data.Categories[id].Category.Apps {
			if _, taken := data.apps[app]; !taken {
				data.apps[app] = id
			}
		}
	}

	return data
}

// LoadDeviceRelatedData reads the device settings. A device that was never
// configured yields nil without error.
func LoadDeviceRelatedData(ctx context.Context, store Store) (*DeviceRelatedData, error) {
	device, err := store.Devices().Get(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &DeviceRelatedData{Device: *device}, nil
}

package policy

import (
	"sort"

	"github.com/goodtune/ktime/internal/storage"
)

// BlockingLevel tells whether a verdict applies to the whole app or only
// to the foreground activity.
type BlockingLevel int

const (
	BlockingLevelApp BlockingLevel = iota
	BlockingLevelActivity
)

func (l BlockingLevel) String() string {
	if l == BlockingLevelActivity {
		return "activity"
	}
	return "app"
}

// MarshalText encodes the level by name.
func (l BlockingLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// AppBaseHandling classifies one running app before any category verdict
// is consulted. It is one of Idle, PauseLogic, Whitelist,
// TemporarilyAllowed, BlockDueToNoCategory and UseCategories.
type AppBaseHandling interface {
	appBaseHandling()
}

type (
	Idle                 struct{}
	PauseLogic           struct{}
	Whitelist            struct{}
	TemporarilyAllowed   struct{}
	BlockDueToNoCategory struct{}

	// UseCategories defers to the verdicts of CategoryIDs, the assigned
	// category first, followed by its parents.
	UseCategories struct {
		CategoryIDs    []string
		ShouldCount    bool
		Level          BlockingLevel
		NeedsNetworkID bool
	}
)

func (Idle) appBaseHandling()                 {}
func (PauseLogic) appBaseHandling()           {}
func (Whitelist) appBaseHandling()            {}
func (TemporarilyAllowed) appBaseHandling()   {}
func (BlockDueToNoCategory) appBaseHandling() {}
func (UseCategories) appBaseHandling()        {}

// AppBaseInput is what CalculateAppBaseHandling looks at.
type AppBaseInput struct {
	PackageName  string
	ActivityName string
	// Paused stops the logic for this app entirely.
	Paused bool
	// PauseCounting keeps the verdicts but stops counting usage.
	PauseCounting    bool
	IsSystemImageApp bool

	OwnPackage           string
	AppRules             AppRules
	UnassignedSystemApps UnassignedSystemApps

	User   *storage.UserRelatedData
	Device *storage.DeviceRelatedData
}

// CalculateAppBaseHandling classifies the app described by in.
func CalculateAppBaseHandling(in AppBaseInput) AppBaseHandling {
	if in.Paused {
		return PauseLogic{}
	}
	if in.PackageName == "" {
		return Idle{}
	}

	decision := AppDecisionDefault
	if in.AppRules != nil {
		decision = in.AppRules.Decide(in.PackageName, in.ActivityName)
	}
	if (in.OwnPackage != "" && in.PackageName == in.OwnPackage) || decision == AppDecisionWhitelist {
		return Whitelist{}
	}
	if in.Device != nil && in.Device.Device.IsTemporarilyAllowed(in.PackageName) {
		return TemporarilyAllowed{}
	}
	if decision == AppDecisionBlock {
		return BlockDueToNoCategory{}
	}

	user := in.User
	tryActivity := in.Device != nil && in.Device.Device.EnableActivityLevelBlocking && in.ActivityName != ""

	var (
		categoryID string
		found      bool
		level      = BlockingLevelActivity
	)
	if tryActivity {
		categoryID, found = user.CategoryForApp(in.PackageName + ":" + in.ActivityName)
	}
	if !found {
		categoryID, found = user.CategoryForApp(in.PackageName)
		if !found && in.IsSystemImageApp {
			categoryID, found = user.CategoryForApp(storage.SystemImageApp)
			if !found {
				switch in.UnassignedSystemApps {
				case UnassignedSystemAppsWhitelist:
					return Whitelist{}
				case UnassignedSystemAppsBlock:
					return BlockDueToNoCategory{}
				}
			}
		}
		if found {
			level = BlockingLevelApp
		}
	}
	if _, ok := user.Categories[categoryID]; !found || !ok {
		// default category for apps without one; a stale assignment keeps
		// its level
		categoryID = user.User.CategoryForNotAssignedApps
	}

	chain := user.CategoryChain(categoryID)
	if len(chain) == 0 {
		return BlockDueToNoCategory{}
	}

	needsNetworkID := false
	for _, id := range chain {
		if len(user.Categories[id].Category.Networks) > 0 {
			needsNetworkID = true
			break
		}
	}

	return UseCategories{
		CategoryIDs:    chain,
		ShouldCount:    !in.PauseCounting,
		Level:          level,
		NeedsNetworkID: needsNetworkID,
	}
}

// NeedsNetworkID reports whether the handling depends on the network id.
func NeedsNetworkID(h AppBaseHandling) bool {
	u, ok := h.(UseCategories)
	return ok && u.NeedsNetworkID
}

// GetCategoriesForCounting returns the sorted ids of all categories used
// by counting handlings.
func GetCategoriesForCounting(handlings []AppBaseHandling) []string {
	seen := make(map[string]struct{})
	for _, h := range handlings {
		if u, ok := h.(UseCategories); ok && u.ShouldCount {
			for _, id := range u.CategoryIDs {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

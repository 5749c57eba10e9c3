package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BlockingReason explains why a category blocks activities.
type BlockingReason int

const (
	BlockingReasonNone BlockingReason = iota
	BlockingReasonTemporarilyBlocked
	BlockingReasonBlockedAtThisTime
	BlockingReasonBatteryLimit
	BlockingReasonMissingRequiredNetwork
	BlockingReasonTimeOver
	BlockingReasonTimeOverExtraTimeCanBeUsedLater
	BlockingReasonSessionDurationLimit
)

func (r BlockingReason) String() string {
	switch r {
	case BlockingReasonNone:
		return "none"
	case BlockingReasonTemporarilyBlocked:
		return "temporarily_blocked"
	case BlockingReasonBlockedAtThisTime:
		return "blocked_at_this_time"
	case BlockingReasonBatteryLimit:
		return "battery_limit"
	case BlockingReasonMissingRequiredNetwork:
		return "missing_required_network"
	case BlockingReasonTimeOver:
		return "time_over"
	case BlockingReasonTimeOverExtraTimeCanBeUsedLater:
		return "time_over_extra_time_can_be_used_later"
	case BlockingReasonSessionDurationLimit:
		return "session_duration_limit"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// MarshalJSON encodes the reason by name.
func (r BlockingReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// BatteryStatus is the battery state reported by the platform.
type BatteryStatus struct {
	// Level is a percentage in [0,100].
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// Snapshot is the device state one set of verdicts is derived from.
type Snapshot struct {
	ID      uint64
	Time    time.Time
	Battery BatteryStatus
	// NetworkID is nil when unknown or not queried.
	NetworkID *string
}

// AppDecision is the verdict of the app rules for one app.
type AppDecision string

const (
	AppDecisionDefault   AppDecision = "DEFAULT"
	AppDecisionWhitelist AppDecision = "WHITELIST"
	AppDecisionBlock     AppDecision = "BLOCK"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the decision to uppercase.
func (d *AppDecision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText validates a textual decision.
func (d *AppDecision) UnmarshalText(data []byte) error {
	normalized := AppDecision(strings.ToUpper(strings.TrimSpace(string(data))))
	switch normalized {
	case AppDecisionDefault, AppDecisionWhitelist, AppDecisionBlock:
		*d = normalized
		return nil
	case "":
		*d = AppDecisionDefault
		return nil
	default:
		return fmt.Errorf("invalid app decision: %s (must be DEFAULT, WHITELIST, or BLOCK)", data)
	}
}

// AppRules decides apps that bypass category evaluation.
type AppRules interface {
	Decide(packageName, activityName string) AppDecision
}

// IgnoredApps whitelists a fixed set of packages.
type IgnoredApps map[string]struct{}

// NewIgnoredApps builds an IgnoredApps from package names.
func NewIgnoredApps(packages []string) IgnoredApps {
	apps := make(IgnoredApps, len(packages))
	for _, p := range packages {
		apps[p] = struct{}{}
	}
	return apps
}

// Decide implements AppRules.
func (a IgnoredApps) Decide(packageName, activityName string) AppDecision {
	if _, ok := a[packageName]; ok {
		return AppDecisionWhitelist
	}
	return AppDecisionDefault
}

// UnassignedSystemApps selects how system image apps without a category
// are handled.
type UnassignedSystemApps string

const (
	UnassignedSystemAppsCategory  UnassignedSystemApps = "category"
	UnassignedSystemAppsWhitelist UnassignedSystemApps = "whitelist"
	UnassignedSystemAppsBlock     UnassignedSystemApps = "block"
)

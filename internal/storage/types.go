package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// MinMinuteOfDay and MaxMinuteOfDay bound inclusive rule windows.
	MinMinuteOfDay = 0
	MaxMinuteOfDay = 24*60 - 1

	// NoExtraTimeDay marks extra time that is not scoped to a single day.
	NoExtraTimeDay = -1

	// SystemImageApp is the synthetic package name used for unassigned
	// apps that ship with the system image.
	SystemImageApp = ".dummy.system_image"
)

// UserType distinguishes supervised users from supervisors.
type UserType string

const (
	UserTypeParent UserType = "parent"
	UserTypeChild  UserType = "child"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the type to lowercase.
func (t *UserType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// UnmarshalText validates and normalizes a textual user type.
func (t *UserType) UnmarshalText(data []byte) error {
	normalized := UserType(strings.ToLower(strings.TrimSpace(string(data))))
	switch normalized {
	case UserTypeParent, UserTypeChild:
		*t = normalized
		return nil
	default:
		return fmt.Errorf("invalid user type: %s (must be parent or child)", data)
	}
}

// User is a person using the device.
type User struct {
	ID                         string   `json:"id"`
	Name                       string   `json:"name"`
	Type                       UserType `json:"type"`
	TimeZone                   string   `json:"timezone"`
	CategoryForNotAssignedApps string   `json:"category_for_not_assigned_apps,omitempty"`
	// DisableLimitsUntil is an epoch millisecond timestamp, 0 when unset.
	DisableLimitsUntil int64 `json:"disable_limits_until,omitempty"`
}

// Location resolves the user's time zone, falling back to UTC.
func (u User) Location() *time.Location {
	if u.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Device holds the settings of the device the engine runs on.
type Device struct {
	ID                          string   `json:"id"`
	CurrentUserID               string   `json:"current_user_id"`
	TemporarilyAllowedApps      []string `json:"temporarily_allowed_apps,omitempty"`
	EnableActivityLevelBlocking bool     `json:"enable_activity_level_blocking"`
	EnableSoftBlocking          bool     `json:"enable_soft_blocking"`
	SlowMainLoop                bool     `json:"slow_main_loop"`
}

// IsTemporarilyAllowed reports whether packageName was allowed for now.
func (d Device) IsTemporarilyAllowed(packageName string) bool {
	for _, app := range d.TemporarilyAllowedApps {
		if app == packageName {
			return true
		}
	}
	return false
}

// CategoryNetworkID is one network a category is restricted to. Only the
// anonymised hash of the network id is stored.
type CategoryNetworkID struct {
	ItemID          string `json:"item_id"`
	HashedNetworkID string `json:"hashed_network_id"`
}

// Category groups apps under a shared budget.
type Category struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	Title                string      `json:"title"`
	ParentCategoryID     string      `json:"parent_category_id,omitempty"`
	BlockedMinutesInWeek WeekBitmask `json:"blocked_minutes_in_week"`

	ExtraTimeMillis int64 `json:"extra_time_ms"`
	// ExtraTimeDay scopes the extra time to one epoch day, or NoExtraTimeDay.
	ExtraTimeDay int `json:"extra_time_day"`
	// ImportedExtraTimeMillis is the extra time value last taken from a
	// rules document.
	ImportedExtraTimeMillis int64 `json:"imported_extra_time_ms"`

	TemporarilyBlocked        bool  `json:"temporarily_blocked"`
	TemporarilyBlockedEndTime int64 `json:"temporarily_blocked_end_time,omitempty"`
	BlockAllNotifications     bool  `json:"block_all_notifications"`
	TimeWarnings              int   `json:"time_warnings"`

	MinBatteryLevelWhileCharging int `json:"min_battery_level_while_charging"`
	MinBatteryLevelMobile        int `json:"min_battery_level_mobile"`

	DisableLimitsUntil int64 `json:"disable_limits_until,omitempty"`

	Networks []CategoryNetworkID `json:"networks,omitempty"`
	Apps     []string            `json:"apps,omitempty"`
	Sort     int                 `json:"sort"`
}

// ExtraTimeForDay returns the extra time usable on dayOfEpoch.
func (c Category) ExtraTimeForDay(dayOfEpoch int) int64 {
	if c.ExtraTimeDay == NoExtraTimeDay || c.ExtraTimeDay == dayOfEpoch {
		return c.ExtraTimeMillis
	}
	return 0
}

// Validate checks the category invariants.
func (c Category) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("category id is required")
	}
	if strings.ContainsAny(c.ID, "/:") {
		return fmt.Errorf("category id %q must not contain '/' or ':'", c.ID)
	}
	if c.UserID == "" {
		return fmt.Errorf("category %s: user_id is required", c.ID)
	}
	if c.ExtraTimeMillis < 0 {
		return fmt.Errorf("category %s: extra time must not be negative", c.ID)
	}
	if c.MinBatteryLevelWhileCharging < 0 || c.MinBatteryLevelWhileCharging > 100 {
		return fmt.Errorf("category %s: invalid battery level while charging: %d", c.ID, c.MinBatteryLevelWhileCharging)
	}
	if c.MinBatteryLevelMobile < 0 || c.MinBatteryLevelMobile > 100 {
		return fmt.Errorf("category %s: invalid battery level on battery: %d", c.ID, c.MinBatteryLevelMobile)
	}
	if c.ParentCategoryID == c.ID {
		return fmt.Errorf("category %s: cannot be its own parent", c.ID)
	}
	return nil
}

// TimeLimitRule caps usage of a category within a daily window.
type TimeLimitRule struct {
	ID         string `json:"id"`
	CategoryID string `json:"category_id"`
	// DayMask has bit 0 for Monday through bit 6 for Sunday.
	DayMask               uint8 `json:"day_mask"`
	StartMinuteOfDay      int   `json:"start_minute_of_day"`
	EndMinuteOfDay        int   `json:"end_minute_of_day"`
	MaximumTimeMillis     int64 `json:"maximum_time_ms"`
	ApplyToExtraTimeUsage bool  `json:"apply_to_extra_time_usage"`
	SessionDurationMillis int64 `json:"session_duration_ms,omitempty"`
	SessionPauseMillis    int64 `json:"session_pause_ms,omitempty"`
}

// AppliesTo reports whether the rule is in force at the given day and minute.
func (r TimeLimitRule) AppliesTo(dayOfWeek, minuteOfDay int) bool {
	return r.AppliesToDay(dayOfWeek) &&
		r.StartMinuteOfDay <= minuteOfDay && minuteOfDay <= r.EndMinuteOfDay
}

// AppliesToDay reports whether the rule's day bit is set.
func (r TimeLimitRule) AppliesToDay(dayOfWeek int) bool {
	return dayOfWeek >= 0 && dayOfWeek < 7 && r.DayMask&(1<<uint(dayOfWeek)) != 0
}

// CoversWholeDay reports whether the window spans the entire day.
func (r TimeLimitRule) CoversWholeDay() bool {
	return r.StartMinuteOfDay == MinMinuteOfDay && r.EndMinuteOfDay == MaxMinuteOfDay
}

// HasSessionLimit reports whether a session duration limit is configured.
func (r TimeLimitRule) HasSessionLimit() bool {
	return r.SessionDurationMillis > 0 && r.SessionPauseMillis > 0
}

// Validate checks the rule invariants.
func (r TimeLimitRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.CategoryID == "" {
		return fmt.Errorf("rule %s: category_id is required", r.ID)
	}
	if r.DayMask > 0x7f {
		return fmt.Errorf("rule %s: invalid day mask %#x", r.ID, r.DayMask)
	}
	if r.StartMinuteOfDay < MinMinuteOfDay || r.EndMinuteOfDay > MaxMinuteOfDay || r.StartMinuteOfDay > r.EndMinuteOfDay {
		return fmt.Errorf("rule %s: invalid window %d-%d", r.ID, r.StartMinuteOfDay, r.EndMinuteOfDay)
	}
	if r.MaximumTimeMillis < 0 {
		return fmt.Errorf("rule %s: maximum time must not be negative", r.ID)
	}
	if (r.SessionDurationMillis > 0) != (r.SessionPauseMillis > 0) || r.SessionDurationMillis < 0 || r.SessionPauseMillis < 0 {
		return fmt.Errorf("rule %s: session duration and pause must both be set or both be zero", r.ID)
	}
	return nil
}

// UsedTimeItem is the usage accumulated in one slot of one day.
type UsedTimeItem struct {
	CategoryID       string `json:"category_id"`
	DayOfEpoch       int    `json:"day_of_epoch"`
	StartMinuteOfDay int    `json:"start_minute_of_day"`
	EndMinuteOfDay   int    `json:"end_minute_of_day"`
	UsedMillis       int64  `json:"used_ms"`
}

// Slot returns the window the item accumulates.
func (i UsedTimeItem) Slot() Slot {
	return Slot{Start: i.StartMinuteOfDay, End: i.EndMinuteOfDay}
}

// SessionDuration tracks the current session of one rule shape.
type SessionDuration struct {
	CategoryID           string `json:"category_id"`
	MaxSessionDuration   int64  `json:"max_session_duration_ms"`
	SessionPauseDuration int64  `json:"session_pause_duration_ms"`
	StartMinuteOfDay     int    `json:"start_minute_of_day"`
	EndMinuteOfDay       int    `json:"end_minute_of_day"`
	// LastUsage is an epoch millisecond timestamp.
	LastUsage           int64 `json:"last_usage"`
	LastSessionDuration int64 `json:"last_session_duration_ms"`
}

// SessionSlot returns the rule shape the record belongs to.
func (s SessionDuration) SessionSlot() SessionSlot {
	return SessionSlot{
		MaxSessionDuration:   s.MaxSessionDuration,
		SessionPauseDuration: s.SessionPauseDuration,
		StartMinuteOfDay:     s.StartMinuteOfDay,
		EndMinuteOfDay:       s.EndMinuteOfDay,
	}
}

// IsActive reports whether the session is still open at now (epoch ms).
func (s SessionDuration) IsActive(now int64) bool {
	return s.LastUsage+s.SessionPauseDuration > now
}

// TimeWarningMinutes lists the remaining minutes a category can warn at.
// Bit i of Category.TimeWarnings enables TimeWarningMinutes[i].
var TimeWarningMinutes = []int{1, 3, 5, 10, 15}

// TimeWarningBits encodes warning minutes as a TimeWarnings bit set.
func TimeWarningBits(minutes []int) (int, error) {
	bits := 0
	for _, m := range minutes {
		found := false
		for i, allowed := range TimeWarningMinutes {
			if m == allowed {
				bits |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unsupported time warning: %d minutes (must be one of %v)", m, TimeWarningMinutes)
		}
	}
	return bits, nil
}

// Package rules loads the declarative rules document into storage.
//
// Times of day are "HH:MM". A rule window covers start up to, but not
// including, end; "24:00" ends at midnight. Durations use Go syntax
// ("45m", "1h30m"). A rule without max blocks its window.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/storage"
)

// Document is the TOML rules document.
type Document struct {
	Device     DeviceDoc     `toml:"device"`
	Users      []UserDoc     `toml:"users"`
	Categories []CategoryDoc `toml:"categories"`
}

// DeviceDoc configures the device.
type DeviceDoc struct {
	CurrentUser                 string `toml:"current_user"`
	EnableActivityLevelBlocking bool   `toml:"enable_activity_level_blocking"`
	EnableSoftBlocking          bool   `toml:"enable_soft_blocking"`
	SlowMainLoop                bool   `toml:"slow_main_loop"`
}

// UserDoc describes one user.
type UserDoc struct {
	ID                         string `toml:"id"`
	Name                       string `toml:"name"`
	Type                       string `toml:"type"`
	TimeZone                   string `toml:"timezone"`
	CategoryForNotAssignedApps string `toml:"category_for_not_assigned_apps"`
	// DisableLimitsUntil suspends the limits of all the user's categories.
	DisableLimitsUntil time.Time `toml:"disable_limits_until"`
}

// CategoryDoc describes one category with its rules.
type CategoryDoc struct {
	ID     string   `toml:"id"`
	User   string   `toml:"user"`
	Title  string   `toml:"title"`
	Parent string   `toml:"parent"`
	Apps   []string `toml:"apps"`
	Sort   int      `toml:"sort"`

	// BlockedTimes are "<days> HH:MM-HH:MM" entries, e.g. "weekdays 20:00-24:00".
	BlockedTimes []string `toml:"blocked_times"`

	ExtraTime             string `toml:"extra_time"`
	TemporarilyBlocked    bool   `toml:"temporarily_blocked"`
	BlockAllNotifications bool   `toml:"block_all_notifications"`
	TimeWarnings          []int  `toml:"time_warnings"`

	DisableLimitsUntil time.Time `toml:"disable_limits_until"`

	MinBatteryCharging int `toml:"min_battery_charging"`
	MinBatteryMobile   int `toml:"min_battery_mobile"`

	Networks []NetworkDoc `toml:"networks"`
	Rules    []RuleDoc    `toml:"rules"`
}

// NetworkDoc is a network the category is restricted to. Only the hash of
// the network id is stored.
type NetworkDoc struct {
	ItemID    string `toml:"item_id"`
	NetworkID string `toml:"network_id"`
}

// RuleDoc describes one time limit rule.
type RuleDoc struct {
	ID               string   `toml:"id"`
	Days             []string `toml:"days"`
	Start            string   `toml:"start"`
	End              string   `toml:"end"`
	Max              string   `toml:"max"`
	ApplyToExtraTime bool     `toml:"apply_to_extra_time"`
	Session          string   `toml:"session"`
	SessionPause     string   `toml:"session_pause"`
}

// Parse decodes a rules document.
func Parse(data string) (*Document, error) {
	var doc Document
	md, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown rules keys: %v", undecoded)
	}
	return &doc, nil
}

// LoadFile reads and decodes a rules document.
func LoadFile(path string) (*Document, error) {
	var doc Document
	md, err := toml.DecodeFile(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown rules keys: %v", undecoded)
	}
	return &doc, nil
}

// Model is a document converted to storage records.
type Model struct {
	Device     storage.Device
	Users      []storage.User
	Categories []storage.Category
	Rules      []storage.TimeLimitRule
}

// Compile validates the document and converts it to storage records.
func (d *Document) Compile() (*Model, error) {
	m := &Model{
		Device: storage.Device{
			ID:                          "self",
			CurrentUserID:               d.Device.CurrentUser,
			EnableActivityLevelBlocking: d.Device.EnableActivityLevelBlocking,
			EnableSoftBlocking:          d.Device.EnableSoftBlocking,
			SlowMainLoop:                d.Device.SlowMainLoop,
		},
	}

	users := make(map[string]struct{}, len(d.Users))
	for _, u := range d.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("user without id")
		}
		if _, dup := users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user %s", u.ID)
		}
		users[u.ID] = struct{}{}

		var userType storage.UserType
		if err := userType.UnmarshalText([]byte(u.Type)); err != nil {
			return nil, fmt.Errorf("user %s: %w", u.ID, err)
		}
		if u.TimeZone != "" {
			if _, err := time.LoadLocation(u.TimeZone); err != nil {
				return nil, fmt.Errorf("user %s: invalid timezone %q", u.ID, u.TimeZone)
			}
		}
		m.Users = append(m.Users, storage.User{
			ID:                         u.ID,
			Name:                       u.Name,
			Type:                       userType,
			TimeZone:                   u.TimeZone,
			CategoryForNotAssignedApps: u.CategoryForNotAssignedApps,
			DisableLimitsUntil:         epochMillis(u.DisableLimitsUntil),
		})
	}
	if d.Device.CurrentUser != "" {
		if _, ok := users[d.Device.CurrentUser]; !ok {
			return nil, fmt.Errorf("device: unknown current user %s", d.Device.CurrentUser)
		}
	}

	categories := make(map[string]string, len(d.Categories))
	for _, c := range d.Categories {
		if _, dup := categories[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category %s", c.ID)
		}
		categories[c.ID] = c.User
	}

	for _, c := range d.Categories {
		category, err := c.compile()
		if err != nil {
			return nil, err
		}
		if _, ok := users[c.User]; !ok {
			return nil, fmt.Errorf("category %s: unknown user %s", c.ID, c.User)
		}
		if c.Parent != "" && categories[c.Parent] != c.User {
			return nil, fmt.Errorf("category %s: parent %s must exist and belong to the same user", c.ID, c.Parent)
		}
		m.Categories = append(m.Categories, category)

		ruleIDs := make(map[string]struct{}, len(c.Rules))
		for _, r := range c.Rules {
			rule, err := r.compile(c.ID)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", c.ID, err)
			}
			if _, dup := ruleIDs[rule.ID]; dup {
				return nil, fmt.Errorf("category %s: duplicate rule %s", c.ID, rule.ID)
			}
			ruleIDs[rule.ID] = struct{}{}
			m.Rules = append(m.Rules, rule)
		}
	}

	for _, u := range m.Users {
		if u.CategoryForNotAssignedApps == "" {
			continue
		}
		if categories[u.CategoryForNotAssignedApps] != u.ID {
			return nil, fmt.Errorf("user %s: unknown default category %s", u.ID, u.CategoryForNotAssignedApps)
		}
	}

	return m, nil
}

func (c CategoryDoc) compile() (storage.Category, error) {
	category := storage.Category{
		ID:                           c.ID,
		UserID:                       c.User,
		Title:                        c.Title,
		ParentCategoryID:             c.Parent,
		BlockedMinutesInWeek:         storage.NewWeekBitmask(),
		ExtraTimeDay:                 storage.NoExtraTimeDay,
		TemporarilyBlocked:           c.TemporarilyBlocked,
		BlockAllNotifications:        c.BlockAllNotifications,
		MinBatteryLevelWhileCharging: c.MinBatteryCharging,
		MinBatteryLevelMobile:        c.MinBatteryMobile,
		Apps:                         c.Apps,
		Sort:                         c.Sort,
		DisableLimitsUntil:           epochMillis(c.DisableLimitsUntil),
	}
	if category.Title == "" {
		category.Title = c.ID
	}

	if c.ExtraTime != "" {
		extra, err := time.ParseDuration(c.ExtraTime)
		if err != nil {
			return storage.Category{}, fmt.Errorf("category %s: invalid extra_time %q", c.ID, c.ExtraTime)
		}
		category.ExtraTimeMillis = extra.Milliseconds()
		category.ImportedExtraTimeMillis = extra.Milliseconds()
	}

	warnings, err := storage.TimeWarningBits(c.TimeWarnings)
	if err != nil {
		return storage.Category{}, fmt.Errorf("category %s: %w", c.ID, err)
	}
	category.TimeWarnings = warnings

	for _, entry := range c.BlockedTimes {
		if err := addBlockedTime(&category.BlockedMinutesInWeek, entry); err != nil {
			return storage.Category{}, fmt.Errorf("category %s: %w", c.ID, err)
		}
	}

	for _, n := range c.Networks {
		if n.ItemID == "" || n.NetworkID == "" {
			return storage.Category{}, fmt.Errorf("category %s: network needs item_id and network_id", c.ID)
		}
		category.Networks = append(category.Networks, storage.CategoryNetworkID{
			ItemID:          n.ItemID,
			HashedNetworkID: policy.AnonymizeNetworkID(n.ItemID, n.NetworkID),
		})
	}

	if err := category.Validate(); err != nil {
		return storage.Category{}, err
	}
	return category, nil
}

func (r RuleDoc) compile(categoryID string) (storage.TimeLimitRule, error) {
	mask, err := parseDays(r.Days)
	if err != nil {
		return storage.TimeLimitRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	start, end, err := parseWindow(defaultString(r.Start, "00:00"), defaultString(r.End, "24:00"))
	if err != nil {
		return storage.TimeLimitRule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}

	rule := storage.TimeLimitRule{
		ID:                    r.ID,
		CategoryID:            categoryID,
		DayMask:               mask,
		StartMinuteOfDay:      start,
		EndMinuteOfDay:        end,
		ApplyToExtraTimeUsage: r.ApplyToExtraTime,
	}
	durations := []struct {
		name  string
		value string
		dst   *int64
	}{
		{"max", r.Max, &rule.MaximumTimeMillis},
		{"session", r.Session, &rule.SessionDurationMillis},
		{"session_pause", r.SessionPause, &rule.SessionPauseMillis},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return storage.TimeLimitRule{}, fmt.Errorf("rule %s: invalid %s %q", r.ID, d.name, d.value)
		}
		*d.dst = parsed.Milliseconds()
	}

	if err := rule.Validate(); err != nil {
		return storage.TimeLimitRule{}, err
	}
	return rule, nil
}

var dayNames = map[string]uint8{
	"mon": 1 << 0, "tue": 1 << 1, "wed": 1 << 2, "thu": 1 << 3,
	"fri": 1 << 4, "sat": 1 << 5, "sun": 1 << 6,
	"weekdays": 0x1f, "weekend": 0x60, "daily": 0x7f,
}

func parseDays(days []string) (uint8, error) {
	if len(days) == 0 {
		return 0x7f, nil
	}
	var mask uint8
	for _, day := range days {
		bits, ok := dayNames[strings.ToLower(strings.TrimSpace(day))]
		if !ok {
			return 0, fmt.Errorf("unknown day %q", day)
		}
		mask |= bits
	}
	return mask, nil
}

// parseWindow converts "HH:MM" start and exclusive end to inclusive minutes.
func parseWindow(start, end string) (int, int, error) {
	from, err := parseClock(start)
	if err != nil {
		return 0, 0, err
	}
	to, err := parseClock(end)
	if err != nil {
		return 0, 0, err
	}
	if from >= storage.MaxMinuteOfDay+1 || to <= from {
		return 0, 0, fmt.Errorf("empty window %s-%s", start, end)
	}
	return from, to - 1, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

// addBlockedTime marks "<days> HH:MM-HH:MM" in the bitmask.
func addBlockedTime(mask *storage.WeekBitmask, entry string) error {
	fields := strings.Fields(entry)
	if len(fields) != 2 {
		return fmt.Errorf("invalid blocked time %q (want \"<days> HH:MM-HH:MM\")", entry)
	}
	days, err := parseDays(strings.Split(fields[0], ","))
	if err != nil {
		return fmt.Errorf("blocked time %q: %w", entry, err)
	}
	start, end, ok := strings.Cut(fields[1], "-")
	if !ok {
		return fmt.Errorf("invalid blocked time %q (want \"<days> HH:MM-HH:MM\")", entry)
	}
	from, to, err := parseWindow(start, end)
	if err != nil {
		return fmt.Errorf("blocked time %q: %w", entry, err)
	}
	for day := 0; day < 7; day++ {
		if days&(1<<uint(day)) == 0 {
			continue
		}
		offset := day * (storage.MaxMinuteOfDay + 1)
		if err := mask.SetRange(offset+from, offset+to); err != nil {
			return err
		}
	}
	return nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// epochMillis converts an optional document timestamp, 0 when unset.
func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

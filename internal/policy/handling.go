package policy

import (
	"crypto/sha512"
	"encoding/hex"
	"time"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/usage"
)

const (
	// anonymizedNetworkIDLength is the number of hex characters kept from
	// the network id hash.
	anonymizedNetworkIDLength = 8

	minRecheckDelay = 100 * time.Millisecond
)

// AnonymizeNetworkID hashes a network id for storage in a category.
func AnonymizeNetworkID(itemID, networkID string) string {
	sum := sha512.Sum512([]byte(itemID + networkID))
	return hex.EncodeToString(sum[:])[:anonymizedNetworkIDLength]
}

// CategoryHandling is the verdict for one category at one snapshot. It is
// never modified after it was calculated.
type CategoryHandling struct {
	CategoryID string `json:"category_id"`
	Title      string `json:"title"`
	SnapshotID uint64 `json:"snapshot_id"`

	ShouldCountTime             bool                  `json:"should_count_time"`
	ShouldCountExtraTime        bool                  `json:"should_count_extra_time"`
	MaxTimeToAdd                time.Duration         `json:"max_time_to_add"`
	AdditionalCountingSlots     []storage.Slot        `json:"additional_counting_slots,omitempty"`
	SessionDurationSlotsToCount []storage.SessionSlot `json:"session_duration_slots,omitempty"`

	AreLimitsTemporarilyDisabled bool `json:"are_limits_temporarily_disabled"`
	OKByBattery                  bool `json:"ok_by_battery"`
	OKByTempBlocking             bool `json:"ok_by_temp_blocking"`
	OKByNetworkID                bool `json:"ok_by_network_id"`
	OKByBlockedTimeAreas         bool `json:"ok_by_blocked_time_areas"`
	OKByTimeLimitRules           bool `json:"ok_by_time_limit_rules"`
	OKBySessionDurationLimits    bool `json:"ok_by_session_duration_limits"`
	BlockAllNotifications        bool `json:"block_all_notifications"`

	RemainingTime            *usage.RemainingTime `json:"remaining_time,omitempty"`
	RemainingSessionDuration *time.Duration       `json:"remaining_session_duration,omitempty"`

	DependsOnMaxTime   time.Time `json:"depends_on_max_time"`
	DependsOnNetworkID bool      `json:"depends_on_network_id"`

	Reason            BlockingReason `json:"reason"`
	SystemLevelReason BlockingReason `json:"system_level_reason"`
}

// ShouldBlockActivities reports whether apps of the category are blocked.
func (h *CategoryHandling) ShouldBlockActivities() bool {
	return h.Reason != BlockingReasonNone
}

// ShouldBlockAtSystemLevel is ShouldBlockActivities without the network gate.
func (h *CategoryHandling) ShouldBlockAtSystemLevel() bool {
	return h.SystemLevelReason != BlockingReasonNone
}

// Counting returns what the used time helper needs from the verdict.
func (h *CategoryHandling) Counting() usage.Counting {
	return usage.Counting{
		CategoryID:              h.CategoryID,
		ShouldCountTime:         h.ShouldCountTime,
		ShouldCountExtraTime:    h.ShouldCountExtraTime,
		AdditionalCountingSlots: h.AdditionalCountingSlots,
		SessionDurationSlots:    h.SessionDurationSlotsToCount,
		MaxTimeToAdd:            h.MaxTimeToAdd,
		DependsOnMaxTime:        h.DependsOnMaxTime,
	}
}

// CalculateHandling derives the verdict of one category. Equal inputs give
// equal verdicts.
func CalculateHandling(data *storage.CategoryRelatedData, user *storage.UserRelatedData, snapshot Snapshot) (*CategoryHandling, error) {
	category := data.Category
	now := snapshot.Time
	nowMillis := now.UnixMilli()
	date := clock.DateOf(now, user.Location)
	minuteOfWeek := date.MinuteOfWeek()

	h := &CategoryHandling{
		CategoryID:            category.ID,
		Title:                 category.Title,
		SnapshotID:            snapshot.ID,
		BlockAllNotifications: category.BlockAllNotifications,
		DependsOnNetworkID:    len(category.Networks) > 0,
	}
	dependsOn := date.NextMidnight()
	earlier := func(t time.Time) {
		if t.After(now) && t.Before(dependsOn) {
			dependsOn = t
		}
	}

	minBattery := category.MinBatteryLevelMobile
	if snapshot.Battery.Charging {
		minBattery = category.MinBatteryLevelWhileCharging
	}
	h.OKByBattery = snapshot.Battery.Level >= minBattery

	h.OKByTempBlocking = !category.TemporarilyBlocked ||
		(category.TemporarilyBlockedEndTime != 0 && category.TemporarilyBlockedEndTime < nowMillis)
	if !h.OKByTempBlocking && category.TemporarilyBlockedEndTime != 0 {
		earlier(time.UnixMilli(category.TemporarilyBlockedEndTime))
	}

	disableUntil := max(user.User.DisableLimitsUntil, category.DisableLimitsUntil)
	h.AreLimitsTemporarilyDisabled = nowMillis < disableUntil
	if h.AreLimitsTemporarilyDisabled {
		earlier(time.UnixMilli(disableUntil))
	}

	h.OKByNetworkID = len(category.Networks) == 0 || h.AreLimitsTemporarilyDisabled ||
		(snapshot.NetworkID != nil && matchesNetwork(category.Networks, *snapshot.NetworkID))

	related := usage.RelatedRules(date.DayOfWeek, date.MinuteOfDay, data.Rules)
	regular := make([]storage.TimeLimitRule, 0, len(related))
	hasBlockedTimeAreaRule := false
	for _, rule := range related {
		if rule.MaximumTimeMillis == 0 {
			hasBlockedTimeAreaRule = true
		} else {
			regular = append(regular, rule)
		}
	}

	h.OKByBlockedTimeAreas = h.AreLimitsTemporarilyDisabled ||
		(!category.BlockedMinutesInWeek.IsSet(minuteOfWeek) && !hasBlockedTimeAreaRule)

	for _, rule := range regular {
		if !rule.CoversWholeDay() {
			slot := storage.Slot{Start: rule.StartMinuteOfDay, End: rule.EndMinuteOfDay}
			if !containsSlot(h.AdditionalCountingSlots, slot) {
				h.AdditionalCountingSlots = append(h.AdditionalCountingSlots, slot)
			}
		}
	}

	if !h.AreLimitsTemporarilyDisabled {
		extraTime := time.Duration(category.ExtraTimeForDay(date.DayOfEpoch)) * time.Millisecond
		remaining, err := usage.GetRemainingTime(date.DayOfWeek, date.MinuteOfDay, data.UsedTimes, regular, extraTime, date.FirstDayOfWeek())
		if err != nil {
			return nil, err
		}
		h.RemainingTime = remaining
		h.RemainingSessionDuration = usage.GetRemainingSessionDuration(regular, data.Durations, date.DayOfWeek, date.MinuteOfDay, now)
	}

	h.OKByTimeLimitRules = h.AreLimitsTemporarilyDisabled || len(regular) == 0 ||
		(h.RemainingTime != nil && h.RemainingTime.HasRemainingTime())
	h.OKBySessionDurationLimits = h.RemainingSessionDuration == nil || *h.RemainingSessionDuration > 0

	h.ShouldCountExtraTime = h.RemainingTime != nil && h.RemainingTime.UsingExtraTime()

	if h.RemainingSessionDuration == nil || *h.RemainingSessionDuration > 0 {
		for _, rule := range regular {
			if !rule.HasSessionLimit() || h.AreLimitsTemporarilyDisabled {
				continue
			}
			slot := storage.SessionSlot{
				MaxSessionDuration:   rule.SessionDurationMillis,
				SessionPauseDuration: rule.SessionPauseMillis,
				StartMinuteOfDay:     rule.StartMinuteOfDay,
				EndMinuteOfDay:       rule.EndMinuteOfDay,
			}
			if !containsSessionSlot(h.SessionDurationSlotsToCount, slot) {
				h.SessionDurationSlotsToCount = append(h.SessionDurationSlotsToCount, slot)
			}
		}
	}

	h.MaxTimeToAdd = usage.Unbounded
	if h.RemainingTime != nil {
		if h.ShouldCountExtraTime {
			h.MaxTimeToAdd = h.RemainingTime.IncludingExtraTime
		} else {
			h.MaxTimeToAdd = h.RemainingTime.Default
		}
	}
	if h.RemainingSessionDuration != nil {
		h.MaxTimeToAdd = min(h.MaxTimeToAdd, *h.RemainingSessionDuration)
	}

	// Rule windows and blocked minutes can only change the verdict at a
	// minute boundary of today.
	nextMinute := clock.MinutesPerDay
	for _, rule := range related {
		nextMinute = min(nextMinute, rule.EndMinuteOfDay+1)
	}
	for _, rule := range data.Rules {
		if rule.AppliesToDay(date.DayOfWeek) && rule.StartMinuteOfDay > date.MinuteOfDay {
			nextMinute = min(nextMinute, rule.StartMinuteOfDay)
		}
	}
	dayStart := date.DayOfWeek * clock.MinutesPerDay
	if next, ok := category.BlockedMinutesInWeek.NextChange(minuteOfWeek, dayStart+clock.MinutesPerDay); ok {
		nextMinute = min(nextMinute, next-dayStart)
	}
	if nextMinute < clock.MinutesPerDay {
		earlier(date.AtMinute(nextMinute))
	}

	for _, session := range data.Durations {
		earlier(time.UnixMilli(session.LastUsage + session.SessionPauseDuration))
		earlier(time.UnixMilli(session.LastUsage + session.MaxSessionDuration - session.LastSessionDuration))
	}

	if floor := now.Add(minRecheckDelay); dependsOn.Before(floor) {
		dependsOn = floor
	}
	h.DependsOnMaxTime = dependsOn

	h.Reason, h.SystemLevelReason = h.blockingReasons(category, date.DayOfEpoch)
	h.ShouldCountTime = h.Reason == BlockingReasonNone

	return h, nil
}

// blockingReasons returns the first failing gate, once with and once
// without the network gate.
func (h *CategoryHandling) blockingReasons(category storage.Category, dayOfEpoch int) (BlockingReason, BlockingReason) {
	timeOver := BlockingReasonTimeOver
	if category.ExtraTimeForDay(dayOfEpoch) > 0 {
		timeOver = BlockingReasonTimeOverExtraTimeCanBeUsedLater
	}

	reason := func(checkNetwork bool) BlockingReason {
		switch {
		case !h.OKByTempBlocking:
			return BlockingReasonTemporarilyBlocked
		case !h.OKByBlockedTimeAreas:
			return BlockingReasonBlockedAtThisTime
		case !h.OKByBattery:
			return BlockingReasonBatteryLimit
		case checkNetwork && !h.OKByNetworkID:
			return BlockingReasonMissingRequiredNetwork
		case !h.OKByTimeLimitRules:
			return timeOver
		case !h.OKBySessionDurationLimits:
			return BlockingReasonSessionDurationLimit
		default:
			return BlockingReasonNone
		}
	}
	return reason(true), reason(false)
}

func matchesNetwork(networks []storage.CategoryNetworkID, networkID string) bool {
	for _, network := range networks {
		if AnonymizeNetworkID(network.ItemID, networkID) == network.HashedNetworkID {
			return true
		}
	}
	return false
}

func containsSlot(slots []storage.Slot, slot storage.Slot) bool {
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}

func containsSessionSlot(slots []storage.SessionSlot, slot storage.SessionSlot) bool {
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}

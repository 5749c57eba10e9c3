package storage

import (
	"fmt"
	"time"
)

// ExtendSessionTolerance allows a session to continue when a new usage
// interval starts slightly after the pause window ended.
const ExtendSessionTolerance = 5 * time.Second

// Slot is an inclusive minute-of-day window.
type Slot struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// WholeDay is the slot every usage report is counted in.
var WholeDay = Slot{Start: MinMinuteOfDay, End: MaxMinuteOfDay}

// LengthMillis returns the duration covered by the slot.
func (s Slot) LengthMillis() int64 {
	return int64(s.End-s.Start+1) * int64(time.Minute/time.Millisecond)
}

// Valid reports whether the slot lies within a day.
func (s Slot) Valid() bool {
	return s.Start >= MinMinuteOfDay && s.End <= MaxMinuteOfDay && s.Start <= s.End
}

// SessionSlot identifies one session-limited rule shape.
type SessionSlot struct {
	MaxSessionDuration   int64 `json:"max_session_duration_ms"`
	SessionPauseDuration int64 `json:"session_pause_duration_ms"`
	StartMinuteOfDay     int   `json:"start_minute_of_day"`
	EndMinuteOfDay       int   `json:"end_minute_of_day"`
}

// AddUsedTimeItem is the delta applied to one category.
type AddUsedTimeItem struct {
	CategoryID              string        `json:"category_id"`
	TimeToAdd               int64         `json:"time_to_add_ms"`
	ExtraTimeToSubtract     int64         `json:"extra_time_to_subtract_ms"`
	AdditionalCountingSlots []Slot        `json:"additional_counting_slots,omitempty"`
	SessionDurationLimits   []SessionSlot `json:"session_duration_limits,omitempty"`
}

// AddUsedTimeAction commits usage for a set of categories atomically.
type AddUsedTimeAction struct {
	DayOfEpoch int               `json:"day_of_epoch"`
	Items      []AddUsedTimeItem `json:"items"`
	// TrustedTimestamp is epoch milliseconds, 0 when no session slot is
	// counted.
	TrustedTimestamp int64 `json:"trusted_timestamp"`
}

// Validate checks the action before it is applied.
func (a AddUsedTimeAction) Validate() error {
	if a.DayOfEpoch < 0 {
		return fmt.Errorf("day of epoch must not be negative")
	}
	if a.TrustedTimestamp < 0 {
		return fmt.Errorf("trusted timestamp must not be negative")
	}
	if len(a.Items) == 0 {
		return fmt.Errorf("action has no items")
	}
	seen := make(map[string]struct{}, len(a.Items))
	for _, item := range a.Items {
		if item.CategoryID == "" {
			return fmt.Errorf("item without category id")
		}
		if _, ok := seen[item.CategoryID]; ok {
			return fmt.Errorf("duplicate category %s", item.CategoryID)
		}
		seen[item.CategoryID] = struct{}{}
		if item.TimeToAdd < 0 || item.ExtraTimeToSubtract < 0 {
			return fmt.Errorf("category %s: negative time", item.CategoryID)
		}
		for _, slot := range item.AdditionalCountingSlots {
			if !slot.Valid() {
				return fmt.Errorf("category %s: invalid slot %d-%d", item.CategoryID, slot.Start, slot.End)
			}
		}
		for _, limit := range item.SessionDurationLimits {
			if limit.MaxSessionDuration <= 0 || limit.SessionPauseDuration <= 0 {
				return fmt.Errorf("category %s: invalid session limit", item.CategoryID)
			}
			if !(Slot{Start: limit.StartMinuteOfDay, End: limit.EndMinuteOfDay}).Valid() {
				return fmt.Errorf("category %s: invalid session window", item.CategoryID)
			}
		}
	}
	return nil
}

// Without returns a copy of the action lacking the given category.
func (a AddUsedTimeAction) Without(categoryID string) AddUsedTimeAction {
	items := make([]AddUsedTimeItem, 0, len(a.Items))
	for _, item := range a.Items {
		if item.CategoryID != categoryID {
			items = append(items, item)
		}
	}
	a.Items = items
	return a
}

// CountingSlots returns the whole-day slot followed by the additional
// slots, without duplicates.
func (i AddUsedTimeItem) CountingSlots() []Slot {
	slots := []Slot{WholeDay}
	for _, slot := range i.AdditionalCountingSlots {
		duplicate := false
		for _, existing := range slots {
			if existing == slot {
				duplicate = true
				break
			}
		}
		if !duplicate {
			slots = append(slots, slot)
		}
	}
	return slots
}

// AddUsedMillis returns used + add clamped to [0, slot length].
func AddUsedMillis(used, add int64, slot Slot) int64 {
	total := used + add
	if limit := slot.LengthMillis(); total > limit {
		total = limit
	}
	if total < 0 {
		total = 0
	}
	return total
}

// SubtractExtraTime returns extra - subtract, never below zero.
func SubtractExtraTime(extra, subtract int64) int64 {
	if extra-subtract < 0 {
		return 0
	}
	return extra - subtract
}

// NextSessionDuration returns the session record after adding timeToAdd.
// A session continues when no trusted timestamp is known or when the
// counted interval started before the pause window (minus tolerance) ended.
func NextSessionDuration(old *SessionDuration, categoryID string, slot SessionSlot, timeToAdd, trustedTimestamp int64) SessionDuration {
	next := SessionDuration{
		CategoryID:           categoryID,
		MaxSessionDuration:   slot.MaxSessionDuration,
		SessionPauseDuration: slot.SessionPauseDuration,
		StartMinuteOfDay:     slot.StartMinuteOfDay,
		EndMinuteOfDay:       slot.EndMinuteOfDay,
		LastUsage:            trustedTimestamp,
		LastSessionDuration:  timeToAdd,
	}
	if old == nil {
		return next
	}

	extend := true
	if trustedTimestamp != 0 {
		usageStart := trustedTimestamp - timeToAdd
		nextSessionStart := old.LastUsage + old.SessionPauseDuration - ExtendSessionTolerance.Milliseconds()
		extend = usageStart <= nextSessionStart
	} else {
		next.LastUsage = old.LastUsage
	}
	if extend {
		next.LastSessionDuration = old.LastSessionDuration + timeToAdd
	}
	return next
}

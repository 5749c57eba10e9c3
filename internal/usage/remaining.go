package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// ErrInvariantViolation is returned when rule evaluation produces a value
// that can only come from corrupt data or a calculation bug.
var ErrInvariantViolation = errors.New("usage: invariant violation")

// RemainingTime is the budget left for a category at one instant.
type RemainingTime struct {
	// IncludingExtraTime is the budget when extra time may be drawn.
	IncludingExtraTime time.Duration
	// Default is the budget from the rules alone.
	Default time.Duration
}

// NewRemainingTime validates 0 <= def <= includingExtraTime.
func NewRemainingTime(includingExtraTime, def time.Duration) (RemainingTime, error) {
	if includingExtraTime < 0 || def < 0 {
		return RemainingTime{}, fmt.Errorf("%w: remaining time %v/%v is negative", ErrInvariantViolation, includingExtraTime, def)
	}
	if includingExtraTime < def {
		return RemainingTime{}, fmt.Errorf("%w: remaining time with extra time %v is below default %v", ErrInvariantViolation, includingExtraTime, def)
	}
	return RemainingTime{IncludingExtraTime: includingExtraTime, Default: def}, nil
}

// HasRemainingTime reports whether any budget is left.
func (r RemainingTime) HasRemainingTime() bool {
	return r.IncludingExtraTime > 0
}

// UsingExtraTime reports whether the remaining budget is borrowed extra time.
func (r RemainingTime) UsingExtraTime() bool {
	return r.IncludingExtraTime > 0 && r.Default == 0
}

// MinRemainingTime returns the field-wise minimum. A nil value means no cap.
func MinRemainingTime(a, b *RemainingTime) *RemainingTime {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return &RemainingTime{
		IncludingExtraTime: min(a.IncludingExtraTime, b.IncludingExtraTime),
		Default:            min(a.Default, b.Default),
	}
}

// RelatedRules returns the rules in force at dayOfWeek and minuteOfDay.
func RelatedRules(dayOfWeek, minuteOfDay int, rules []storage.TimeLimitRule) []storage.TimeLimitRule {
	related := make([]storage.TimeLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.AppliesTo(dayOfWeek, minuteOfDay) {
			related = append(related, rule)
		}
	}
	return related
}

// GetRemainingTime evaluates the rules in force at dayOfWeek/minuteOfDay
// against the usage of the week starting at firstDayOfWeekAsEpochDay.
// It returns nil when no rule applies.
//
// Rules without ApplyToExtraTimeUsage can be exceeded with extra time;
// rules with it stay binding.
func GetRemainingTime(dayOfWeek, minuteOfDay int, usedTimes []storage.UsedTimeItem, rules []storage.TimeLimitRule, extraTime time.Duration, firstDayOfWeekAsEpochDay int) (*RemainingTime, error) {
	if extraTime < 0 {
		return nil, fmt.Errorf("%w: extra time %v is negative", ErrInvariantViolation, extraTime)
	}

	related := RelatedRules(dayOfWeek, minuteOfDay, rules)
	withoutExtra, hasWithout := remainingForRules(usedTimes, related, false, firstDayOfWeekAsEpochDay)
	withExtra, hasWith := remainingForRules(usedTimes, related, true, firstDayOfWeekAsEpochDay)

	var result RemainingTime
	var err error
	switch {
	case !hasWithout:
		return nil, nil
	case hasWith:
		gain := withExtra - withoutExtra
		if gain < 0 {
			return nil, fmt.Errorf("%w: additional time with extra time is %v", ErrInvariantViolation, gain)
		}
		result, err = NewRemainingTime(withoutExtra+min(extraTime, gain), withoutExtra)
	default:
		result, err = NewRemainingTime(withoutExtra+extraTime, withoutExtra)
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func remainingForRules(usedTimes []storage.UsedTimeItem, rules []storage.TimeLimitRule, extraTimeRulesOnly bool, firstDay int) (time.Duration, bool) {
	var (
		result time.Duration
		found  bool
	)
	for _, rule := range rules {
		if extraTimeRulesOnly && !rule.ApplyToExtraTimeUsage {
			continue
		}

		var used int64
		for _, item := range usedTimes {
			if item.DayOfEpoch < firstDay || item.DayOfEpoch > firstDay+6 {
				continue
			}
			if !rule.AppliesToDay(item.DayOfEpoch - firstDay) {
				continue
			}
			if item.StartMinuteOfDay == rule.StartMinuteOfDay && item.EndMinuteOfDay == rule.EndMinuteOfDay {
				used += item.UsedMillis
			}
		}

		remaining := time.Duration(max(0, rule.MaximumTimeMillis-used)) * time.Millisecond
		if !found || remaining < result {
			result = remaining
			found = true
		}
	}
	return result, found
}

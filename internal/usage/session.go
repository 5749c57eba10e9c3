package usage

import (
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// GetRemainingSessionDuration returns the time left before a forced pause,
// the minimum over all session-limited rules in force. It returns nil when
// no such rule applies.
func GetRemainingSessionDuration(rules []storage.TimeLimitRule, durations []storage.SessionDuration, dayOfWeek, minuteOfDay int, now time.Time) *time.Duration {
	var result *time.Duration
	nowMillis := now.UnixMilli()

	for _, rule := range rules {
		if !rule.HasSessionLimit() || !rule.AppliesTo(dayOfWeek, minuteOfDay) {
			continue
		}

		remaining := rule.SessionDurationMillis
		for _, session := range durations {
			if session.StartMinuteOfDay == rule.StartMinuteOfDay &&
				session.EndMinuteOfDay == rule.EndMinuteOfDay &&
				session.MaxSessionDuration == rule.SessionDurationMillis &&
				session.SessionPauseDuration == rule.SessionPauseMillis &&
				session.IsActive(nowMillis) {
				remaining = max(0, session.MaxSessionDuration-session.LastSessionDuration)
				break
			}
		}

		d := time.Duration(remaining) * time.Millisecond
		if result == nil || d < *result {
			result = &d
		}
	}

	return result
}

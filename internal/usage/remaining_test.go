package usage

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

const monday = 0

func wholeDayRule(id string, dayMask uint8, max time.Duration, applyToExtraTime bool) storage.TimeLimitRule {
	return storage.TimeLimitRule{
		ID:                    id,
		CategoryID:            "games",
		DayMask:               dayMask,
		StartMinuteOfDay:      storage.MinMinuteOfDay,
		EndMinuteOfDay:        storage.MaxMinuteOfDay,
		MaximumTimeMillis:     max.Milliseconds(),
		ApplyToExtraTimeUsage: applyToExtraTime,
	}
}

func usedWholeDay(day int, used time.Duration) storage.UsedTimeItem {
	return storage.UsedTimeItem{
		CategoryID:       "games",
		DayOfEpoch:       day,
		StartMinuteOfDay: storage.MinMinuteOfDay,
		EndMinuteOfDay:   storage.MaxMinuteOfDay,
		UsedMillis:       used.Milliseconds(),
	}
}

func TestGetRemainingTime(t *testing.T) {
	const firstDay = 19723 // Monday 2024-01-01

	tests := []struct {
		name      string
		dayOfWeek int
		minute    int
		used      []storage.UsedTimeItem
		rules     []storage.TimeLimitRule
		extra     time.Duration
		want      *RemainingTime
	}{
		{
			name:      "no rules",
			dayOfWeek: monday,
			minute:    600,
			want:      nil,
		},
		{
			name:      "rule for another day",
			dayOfWeek: 1,
			minute:    600,
			rules:     []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
			want:      nil,
		},
		{
			name:      "fresh budget",
			dayOfWeek: monday,
			minute:    600,
			rules:     []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
			want:      &RemainingTime{IncludingExtraTime: time.Hour, Default: time.Hour},
		},
		{
			name:      "budget used, soft rule lets extra time through",
			dayOfWeek: monday,
			minute:    600,
			used:      []storage.UsedTimeItem{usedWholeDay(firstDay, time.Hour)},
			rules:     []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
			extra:     10 * time.Minute,
			want:      &RemainingTime{IncludingExtraTime: 10 * time.Minute, Default: 0},
		},
		{
			name:      "hard rule caps extra time",
			dayOfWeek: monday,
			minute:    600,
			used:      []storage.UsedTimeItem{usedWholeDay(firstDay, time.Hour)},
			rules:     []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, true)},
			extra:     10 * time.Minute,
			want:      &RemainingTime{IncludingExtraTime: 0, Default: 0},
		},
		{
			name:      "hard rule leaves room for part of extra time",
			dayOfWeek: monday,
			minute:    600,
			used:      []storage.UsedTimeItem{usedWholeDay(firstDay, time.Hour)},
			rules: []storage.TimeLimitRule{
				wholeDayRule("soft", 0x01, time.Hour, false),
				wholeDayRule("hard", 0x01, 65*time.Minute, true),
			},
			extra: 10 * time.Minute,
			want:  &RemainingTime{IncludingExtraTime: 5 * time.Minute, Default: 0},
		},
		{
			name:      "weekly rule sums usage of every covered day",
			dayOfWeek: 2,
			minute:    600,
			used: []storage.UsedTimeItem{
				usedWholeDay(firstDay, time.Hour),
				usedWholeDay(firstDay+1, 30*time.Minute),
				usedWholeDay(firstDay-1, 5*time.Hour), // previous week
			},
			rules: []storage.TimeLimitRule{wholeDayRule("week", 0x7f, 2*time.Hour, false)},
			want:  &RemainingTime{IncludingExtraTime: 30 * time.Minute, Default: 30 * time.Minute},
		},
		{
			name:      "usage of other slots is ignored",
			dayOfWeek: monday,
			minute:    600,
			used: []storage.UsedTimeItem{
				{CategoryID: "games", DayOfEpoch: firstDay, StartMinuteOfDay: 600, EndMinuteOfDay: 659, UsedMillis: 50 * 60 * 1000},
			},
			rules: []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
			want:  &RemainingTime{IncludingExtraTime: time.Hour, Default: time.Hour},
		},
		{
			name:      "overused budget never goes negative",
			dayOfWeek: monday,
			minute:    600,
			used:      []storage.UsedTimeItem{usedWholeDay(firstDay, 2*time.Hour)},
			rules:     []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
			want:      &RemainingTime{IncludingExtraTime: 0, Default: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetRemainingTime(tt.dayOfWeek, tt.minute, tt.used, tt.rules, tt.extra, firstDay)
			if err != nil {
				t.Fatalf("GetRemainingTime() error = %v", err)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("GetRemainingTime() = %+v, want %+v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("GetRemainingTime() = %+v, want %+v", *got, *tt.want)
			}
			if got != nil && (got.IncludingExtraTime < got.Default || got.Default < 0) {
				t.Errorf("including extra time must be >= default >= 0, got %+v", *got)
			}
		})
	}
}

func TestGetRemainingTimeUsingExtraTime(t *testing.T) {
	const firstDay = 19723

	got, err := GetRemainingTime(monday, 600,
		[]storage.UsedTimeItem{usedWholeDay(firstDay, time.Hour)},
		[]storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)},
		10*time.Minute, firstDay)
	if err != nil {
		t.Fatalf("GetRemainingTime() error = %v", err)
	}
	if got.Default != 0 || got.IncludingExtraTime != 10*time.Minute {
		t.Fatalf("unexpected remaining time %+v", *got)
	}
	if !got.UsingExtraTime() {
		t.Error("expected extra time to be in use")
	}
	if !got.HasRemainingTime() {
		t.Error("expected remaining time")
	}
}

func TestGetRemainingTimeInvariants(t *testing.T) {
	rules := []storage.TimeLimitRule{wholeDayRule("mon", 0x01, time.Hour, false)}

	if _, err := GetRemainingTime(monday, 0, nil, rules, -time.Second, 0); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation for negative extra time, got %v", err)
	}

	if _, err := NewRemainingTime(time.Minute, 2*time.Minute); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation when default exceeds including, got %v", err)
	}
	if _, err := NewRemainingTime(-time.Minute, -time.Minute); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation for negative values, got %v", err)
	}
}

func TestExtraTimeOnlyAddsUpToBudget(t *testing.T) {
	const firstDay = 19723
	rules := []storage.TimeLimitRule{
		wholeDayRule("a", 0x01, time.Hour, false),
		wholeDayRule("b", 0x7f, 3*time.Hour, false),
	}

	for _, used := range []time.Duration{0, 30 * time.Minute, time.Hour, 4 * time.Hour} {
		for _, extra := range []time.Duration{0, time.Minute, 2 * time.Hour} {
			items := []storage.UsedTimeItem{usedWholeDay(firstDay, used)}
			base, err := GetRemainingTime(monday, 0, items, rules, 0, firstDay)
			if err != nil {
				t.Fatalf("GetRemainingTime() error = %v", err)
			}
			got, err := GetRemainingTime(monday, 0, items, rules, extra, firstDay)
			if err != nil {
				t.Fatalf("GetRemainingTime() error = %v", err)
			}
			if got.IncludingExtraTime < base.IncludingExtraTime || got.IncludingExtraTime > base.IncludingExtraTime+extra {
				t.Errorf("used=%v extra=%v: including extra %v outside [%v, %v]",
					used, extra, got.IncludingExtraTime, base.IncludingExtraTime, base.IncludingExtraTime+extra)
			}
		}
	}
}

func TestMinRemainingTime(t *testing.T) {
	a := &RemainingTime{IncludingExtraTime: 10 * time.Minute, Default: 2 * time.Minute}
	b := &RemainingTime{IncludingExtraTime: 5 * time.Minute, Default: 4 * time.Minute}

	if got := MinRemainingTime(nil, nil); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if got := MinRemainingTime(a, nil); got != a {
		t.Errorf("expected a, got %+v", got)
	}
	got := MinRemainingTime(a, b)
	if got.IncludingExtraTime != 5*time.Minute || got.Default != 2*time.Minute {
		t.Errorf("unexpected minimum %+v", *got)
	}
}

func TestGetRemainingSessionDuration(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rule := wholeDayRule("session", 0x7f, 5*time.Hour, false)
	rule.SessionDurationMillis = 600_000
	rule.SessionPauseMillis = 60_000

	session := func(lastUsage time.Time, duration int64) storage.SessionDuration {
		return storage.SessionDuration{
			CategoryID:           "games",
			MaxSessionDuration:   600_000,
			SessionPauseDuration: 60_000,
			StartMinuteOfDay:     storage.MinMinuteOfDay,
			EndMinuteOfDay:       storage.MaxMinuteOfDay,
			LastUsage:            lastUsage.UnixMilli(),
			LastSessionDuration:  duration,
		}
	}

	tests := []struct {
		name      string
		rules     []storage.TimeLimitRule
		durations []storage.SessionDuration
		want      *time.Duration
	}{
		{
			name:  "no session rule",
			rules: []storage.TimeLimitRule{wholeDayRule("plain", 0x7f, time.Hour, false)},
			want:  nil,
		},
		{
			name:  "no record starts a fresh session",
			rules: []storage.TimeLimitRule{rule},
			want:  durationPtr(600_000 * time.Millisecond),
		},
		{
			name:      "open session continues",
			rules:     []storage.TimeLimitRule{rule},
			durations: []storage.SessionDuration{session(now.Add(-30*time.Second), 200_000)},
			want:      durationPtr(400_000 * time.Millisecond),
		},
		{
			name:      "session past its pause starts fresh",
			rules:     []storage.TimeLimitRule{rule},
			durations: []storage.SessionDuration{session(now.Add(-2*time.Minute), 600_000)},
			want:      durationPtr(600_000 * time.Millisecond),
		},
		{
			name:      "overlong session is clamped at zero",
			rules:     []storage.TimeLimitRule{rule},
			durations: []storage.SessionDuration{session(now.Add(-time.Second), 700_000)},
			want:      durationPtr(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetRemainingSessionDuration(tt.rules, tt.durations, monday, 600, now)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("GetRemainingSessionDuration() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("GetRemainingSessionDuration() = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestSessionExtendsWithinPause(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	rule := wholeDayRule("session", 0x7f, 5*time.Hour, false)
	rule.SessionDurationMillis = 600_000
	rule.SessionPauseMillis = 60_000
	slot := storage.SessionSlot{
		MaxSessionDuration:   600_000,
		SessionPauseDuration: 60_000,
		StartMinuteOfDay:     storage.MinMinuteOfDay,
		EndMinuteOfDay:       storage.MaxMinuteOfDay,
	}

	first := storage.NextSessionDuration(nil, "games", slot, 100_000, start.UnixMilli())
	second := storage.NextSessionDuration(&first, "games", slot, 100_000, start.Add(30*time.Second).UnixMilli())
	if second.LastSessionDuration != 200_000 {
		t.Fatalf("expected session to extend to 200000, got %d", second.LastSessionDuration)
	}

	got := GetRemainingSessionDuration([]storage.TimeLimitRule{rule}, []storage.SessionDuration{second}, monday, 600, start.Add(30*time.Second))
	if got == nil || *got != 400_000*time.Millisecond {
		t.Fatalf("expected 400000ms remaining, got %v", got)
	}
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

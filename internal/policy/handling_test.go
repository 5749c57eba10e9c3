package policy

import (
	"reflect"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/usage"
)

// Monday 2024-01-01 10:00 UTC, epoch day 19723.
var testNow = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

const testDay = 19723

func testCategory(id string) storage.Category {
	return storage.Category{
		ID:           id,
		UserID:       "kid",
		Title:        id,
		ExtraTimeDay: storage.NoExtraTimeDay,
	}
}

func testUser(categories ...*storage.CategoryRelatedData) *storage.UserRelatedData {
	user := storage.User{ID: "kid", Type: storage.UserTypeChild, TimeZone: "UTC"}
	return storage.NewUserRelatedData(user, categories, testDay)
}

func testSnapshot() Snapshot {
	return Snapshot{ID: 1, Time: testNow, Battery: BatteryStatus{Level: 100}}
}

func dailyRule(id string, start, end int, max time.Duration) storage.TimeLimitRule {
	return storage.TimeLimitRule{
		ID:                id,
		CategoryID:        "games",
		DayMask:           0x7f,
		StartMinuteOfDay:  start,
		EndMinuteOfDay:    end,
		MaximumTimeMillis: max.Milliseconds(),
	}
}

func usedToday(start, end int, used time.Duration) storage.UsedTimeItem {
	return storage.UsedTimeItem{
		CategoryID:       "games",
		DayOfEpoch:       testDay,
		StartMinuteOfDay: start,
		EndMinuteOfDay:   end,
		UsedMillis:       used.Milliseconds(),
	}
}

func blockedMinutes(t *testing.T, from, to int) storage.WeekBitmask {
	t.Helper()
	m := storage.NewWeekBitmask()
	if err := m.SetRange(from, to); err != nil {
		t.Fatalf("SetRange() error = %v", err)
	}
	return m
}

func TestCalculateHandling(t *testing.T) {
	midnight := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	eleven := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		setup         func(data *storage.CategoryRelatedData, user *storage.User, snap *Snapshot)
		wantReason    BlockingReason
		wantSystem    BlockingReason
		wantCount     bool
		wantExtra     bool
		wantMax       time.Duration
		wantDependsOn time.Time
	}{
		{
			name:          "no rules",
			setup:         func(*storage.CategoryRelatedData, *storage.User, *Snapshot) {},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: midnight,
		},
		{
			name: "time left",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Rules = []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, 20*time.Minute)}
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       40 * time.Minute,
			wantDependsOn: midnight,
		},
		{
			name: "time over",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Rules = []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, time.Hour)}
			},
			wantReason:    BlockingReasonTimeOver,
			wantSystem:    BlockingReasonTimeOver,
			wantDependsOn: midnight,
		},
		{
			name: "using extra time",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.ExtraTimeMillis = (10 * time.Minute).Milliseconds()
				d.Rules = []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, time.Hour)}
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantExtra:     true,
			wantMax:       10 * time.Minute,
			wantDependsOn: midnight,
		},
		{
			name: "hard cap keeps extra time for later",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.ExtraTimeMillis = (10 * time.Minute).Milliseconds()
				rule := dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)
				rule.ApplyToExtraTimeUsage = true
				d.Rules = []storage.TimeLimitRule{rule}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, time.Hour)}
			},
			wantReason:    BlockingReasonTimeOverExtraTimeCanBeUsedLater,
			wantSystem:    BlockingReasonTimeOverExtraTimeCanBeUsedLater,
			wantDependsOn: midnight,
		},
		{
			name: "temporarily blocked without end",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.TemporarilyBlocked = true
			},
			wantReason:    BlockingReasonTemporarilyBlocked,
			wantSystem:    BlockingReasonTemporarilyBlocked,
			wantDependsOn: midnight,
		},
		{
			name: "temporarily blocked until later",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.TemporarilyBlocked = true
				d.Category.TemporarilyBlockedEndTime = testNow.Add(30 * time.Minute).UnixMilli()
			},
			wantReason:    BlockingReasonTemporarilyBlocked,
			wantSystem:    BlockingReasonTemporarilyBlocked,
			wantDependsOn: testNow.Add(30 * time.Minute),
		},
		{
			name: "temporary block expired",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.TemporarilyBlocked = true
				d.Category.TemporarilyBlockedEndTime = testNow.Add(-time.Minute).UnixMilli()
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: midnight,
		},
		{
			name: "blocked minutes",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.BlockedMinutesInWeek = blockedMinutes(t, 540, 659)
			},
			wantReason:    BlockingReasonBlockedAtThisTime,
			wantSystem:    BlockingReasonBlockedAtThisTime,
			wantDependsOn: eleven,
		},
		{
			name: "blocked minutes later today",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Category.BlockedMinutesInWeek = blockedMinutes(t, 660, 719)
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: eleven,
		},
		{
			name: "rule without budget blocks its window",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				d.Rules = []storage.TimeLimitRule{dailyRule("night", 540, 659, 0)}
			},
			wantReason:    BlockingReasonBlockedAtThisTime,
			wantSystem:    BlockingReasonBlockedAtThisTime,
			wantDependsOn: eleven,
		},
		{
			name: "battery too low",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, s *Snapshot) {
				d.Category.MinBatteryLevelMobile = 20
				s.Battery = BatteryStatus{Level: 10}
			},
			wantReason:    BlockingReasonBatteryLimit,
			wantSystem:    BlockingReasonBatteryLimit,
			wantDependsOn: midnight,
		},
		{
			name: "battery low while charging",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, s *Snapshot) {
				d.Category.MinBatteryLevelMobile = 20
				s.Battery = BatteryStatus{Level: 10, Charging: true}
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: midnight,
		},
		{
			name: "wrong network",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, s *Snapshot) {
				d.Category.Networks = []storage.CategoryNetworkID{{ItemID: "n1", HashedNetworkID: AnonymizeNetworkID("n1", "home")}}
				cafe := "cafe"
				s.NetworkID = &cafe
			},
			wantReason:    BlockingReasonMissingRequiredNetwork,
			wantSystem:    BlockingReasonNone,
			wantDependsOn: midnight,
		},
		{
			name: "required network",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, s *Snapshot) {
				d.Category.Networks = []storage.CategoryNetworkID{{ItemID: "n1", HashedNetworkID: AnonymizeNetworkID("n1", "home")}}
				home := "home"
				s.NetworkID = &home
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: midnight,
		},
		{
			name: "priority of temporary block",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, s *Snapshot) {
				d.Category.TemporarilyBlocked = true
				d.Category.MinBatteryLevelMobile = 50
				d.Rules = []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, time.Hour)}
				s.Battery = BatteryStatus{Level: 10}
			},
			wantReason:    BlockingReasonTemporarilyBlocked,
			wantSystem:    BlockingReasonTemporarilyBlocked,
			wantDependsOn: midnight,
		},
		{
			name: "limits disabled",
			setup: func(d *storage.CategoryRelatedData, u *storage.User, _ *Snapshot) {
				u.DisableLimitsUntil = testNow.Add(time.Hour).UnixMilli()
				d.Category.BlockedMinutesInWeek = blockedMinutes(t, 0, 1439)
				d.Rules = []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)}
				d.UsedTimes = []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, time.Hour)}
			},
			wantReason:    BlockingReasonNone,
			wantCount:     true,
			wantMax:       usage.Unbounded,
			wantDependsOn: testNow.Add(time.Hour),
		},
		{
			name: "session limit reached",
			setup: func(d *storage.CategoryRelatedData, _ *storage.User, _ *Snapshot) {
				rule := dailyRule("r", 0, storage.MaxMinuteOfDay, 2*time.Hour)
				rule.SessionDurationMillis = (30 * time.Minute).Milliseconds()
				rule.SessionPauseMillis = (10 * time.Minute).Milliseconds()
				d.Rules = []storage.TimeLimitRule{rule}
				d.Durations = []storage.SessionDuration{{
					CategoryID:           "games",
					MaxSessionDuration:   rule.SessionDurationMillis,
					SessionPauseDuration: rule.SessionPauseMillis,
					StartMinuteOfDay:     0,
					EndMinuteOfDay:       storage.MaxMinuteOfDay,
					LastUsage:            testNow.Add(-time.Minute).UnixMilli(),
					LastSessionDuration:  (30 * time.Minute).Milliseconds(),
				}}
			},
			wantReason:    BlockingReasonSessionDurationLimit,
			wantSystem:    BlockingReasonSessionDurationLimit,
			wantDependsOn: testNow.Add(9 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := &storage.CategoryRelatedData{Category: testCategory("games")}
			user := storage.User{ID: "kid", Type: storage.UserTypeChild, TimeZone: "UTC"}
			snap := testSnapshot()
			tt.setup(data, &user, &snap)
			related := storage.NewUserRelatedData(user, []*storage.CategoryRelatedData{data}, testDay)

			h, err := CalculateHandling(data, related, snap)
			if err != nil {
				t.Fatalf("CalculateHandling() error = %v", err)
			}
			if h.Reason != tt.wantReason {
				t.Errorf("reason = %v, want %v", h.Reason, tt.wantReason)
			}
			if h.SystemLevelReason != tt.wantSystem {
				t.Errorf("system level reason = %v, want %v", h.SystemLevelReason, tt.wantSystem)
			}
			if h.ShouldBlockActivities() != (tt.wantReason != BlockingReasonNone) {
				t.Errorf("ShouldBlockActivities() disagrees with reason %v", h.Reason)
			}
			if h.ShouldCountTime != tt.wantCount {
				t.Errorf("ShouldCountTime = %v, want %v", h.ShouldCountTime, tt.wantCount)
			}
			if h.ShouldCountExtraTime != tt.wantExtra {
				t.Errorf("ShouldCountExtraTime = %v, want %v", h.ShouldCountExtraTime, tt.wantExtra)
			}
			if tt.wantCount && h.MaxTimeToAdd != tt.wantMax {
				t.Errorf("MaxTimeToAdd = %v, want %v", h.MaxTimeToAdd, tt.wantMax)
			}
			if !h.DependsOnMaxTime.Equal(tt.wantDependsOn) {
				t.Errorf("DependsOnMaxTime = %v, want %v", h.DependsOnMaxTime, tt.wantDependsOn)
			}
		})
	}
}

func TestCalculateHandlingUsesResolvedLocation(t *testing.T) {
	data := &storage.CategoryRelatedData{Category: testCategory("games")}
	// 09:00 to 10:59 on Monday
	data.Category.BlockedMinutesInWeek = blockedMinutes(t, 540, 659)

	tests := []struct {
		name     string
		location *time.Location
		want     BlockingReason
	}{
		{name: "utc", location: time.UTC, want: BlockingReasonBlockedAtThisTime},
		{name: "two hours ahead", location: time.FixedZone("UTC+2", 2*60*60), want: BlockingReasonNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			related := testUser(data)
			related.Location = tt.location

			h, err := CalculateHandling(data, related, testSnapshot())
			if err != nil {
				t.Fatalf("CalculateHandling() error = %v", err)
			}
			if h.Reason != tt.want {
				t.Errorf("reason = %v, want %v", h.Reason, tt.want)
			}
		})
	}
}

func TestCalculateHandlingCountingSlots(t *testing.T) {
	data := &storage.CategoryRelatedData{
		Category: testCategory("games"),
		Rules: []storage.TimeLimitRule{
			dailyRule("day", 0, storage.MaxMinuteOfDay, 2*time.Hour),
			dailyRule("morning", 540, 659, 30*time.Minute),
			dailyRule("morning-again", 540, 659, 45*time.Minute),
			dailyRule("evening", 1080, 1199, 30*time.Minute),
		},
	}
	data.Rules[0].SessionDurationMillis = (20 * time.Minute).Milliseconds()
	data.Rules[0].SessionPauseMillis = (5 * time.Minute).Milliseconds()

	h, err := CalculateHandling(data, testUser(data), testSnapshot())
	if err != nil {
		t.Fatalf("CalculateHandling() error = %v", err)
	}

	wantSlots := []storage.Slot{{Start: 540, End: 659}}
	if !reflect.DeepEqual(h.AdditionalCountingSlots, wantSlots) {
		t.Errorf("AdditionalCountingSlots = %v, want %v", h.AdditionalCountingSlots, wantSlots)
	}
	wantSessions := []storage.SessionSlot{{
		MaxSessionDuration:   (20 * time.Minute).Milliseconds(),
		SessionPauseDuration: (5 * time.Minute).Milliseconds(),
		StartMinuteOfDay:     0,
		EndMinuteOfDay:       storage.MaxMinuteOfDay,
	}}
	if !reflect.DeepEqual(h.SessionDurationSlotsToCount, wantSessions) {
		t.Errorf("SessionDurationSlotsToCount = %v, want %v", h.SessionDurationSlotsToCount, wantSessions)
	}
	// Capped by the fresh session, not by the 30m morning rule.
	if h.MaxTimeToAdd != 20*time.Minute {
		t.Errorf("MaxTimeToAdd = %v, want 20m", h.MaxTimeToAdd)
	}
	if want := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC); !h.DependsOnMaxTime.Equal(want) {
		t.Errorf("DependsOnMaxTime = %v, want end of the morning window %v", h.DependsOnMaxTime, want)
	}

	counting := h.Counting()
	if counting.CategoryID != "games" || !counting.ShouldCountTime || counting.MaxTimeToAdd != h.MaxTimeToAdd {
		t.Errorf("unexpected counting %+v", counting)
	}
}

func TestCalculateHandlingRecheckFloor(t *testing.T) {
	data := &storage.CategoryRelatedData{
		Category: testCategory("games"),
		Rules:    []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)},
	}
	data.Rules[0].SessionDurationMillis = (30 * time.Minute).Milliseconds()
	data.Rules[0].SessionPauseMillis = (10 * time.Minute).Milliseconds()
	data.Durations = []storage.SessionDuration{{
		CategoryID:           "games",
		MaxSessionDuration:   data.Rules[0].SessionDurationMillis,
		SessionPauseDuration: data.Rules[0].SessionPauseMillis,
		EndMinuteOfDay:       storage.MaxMinuteOfDay,
		LastUsage:            testNow.Add(-10*time.Minute + 50*time.Millisecond).UnixMilli(),
		LastSessionDuration:  time.Minute.Milliseconds(),
	}}

	h, err := CalculateHandling(data, testUser(data), testSnapshot())
	if err != nil {
		t.Fatalf("CalculateHandling() error = %v", err)
	}
	if want := testNow.Add(100 * time.Millisecond); !h.DependsOnMaxTime.Equal(want) {
		t.Errorf("DependsOnMaxTime = %v, want %v", h.DependsOnMaxTime, want)
	}
}

func TestCalculateHandlingIsDeterministic(t *testing.T) {
	data := &storage.CategoryRelatedData{
		Category:  testCategory("games"),
		Rules:     []storage.TimeLimitRule{dailyRule("r", 0, storage.MaxMinuteOfDay, time.Hour)},
		UsedTimes: []storage.UsedTimeItem{usedToday(0, storage.MaxMinuteOfDay, 10*time.Minute)},
	}
	user := testUser(data)

	first, err := CalculateHandling(data, user, testSnapshot())
	if err != nil {
		t.Fatalf("CalculateHandling() error = %v", err)
	}
	second, err := CalculateHandling(data, user, testSnapshot())
	if err != nil {
		t.Fatalf("CalculateHandling() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("equal inputs gave different verdicts:\n%+v\n%+v", first, second)
	}
}

func TestAnonymizeNetworkID(t *testing.T) {
	a := AnonymizeNetworkID("item", "network")
	if len(a) != 8 {
		t.Fatalf("expected 8 hex characters, got %q", a)
	}
	if a != AnonymizeNetworkID("item", "network") {
		t.Error("hash must be stable")
	}
	if a == AnonymizeNetworkID("other", "network") {
		t.Error("hash must depend on the item id")
	}
}

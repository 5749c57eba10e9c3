package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWeekBitmaskText(t *testing.T) {
	m, err := ParseWeekBitmask("0-419, 1320-1859,5000")
	if err != nil {
		t.Fatalf("parse bitmask: %v", err)
	}

	tests := []struct {
		minute int
		want   bool
	}{
		{0, true},
		{419, true},
		{420, false},
		{1320, true},
		{1859, true},
		{1860, false},
		{5000, true},
		{5001, false},
		{-1, false},
		{WeekMinutes, false},
	}
	for _, tt := range tests {
		if got := m.IsSet(tt.minute); got != tt.want {
			t.Errorf("minute %d: expected %v, got %v", tt.minute, tt.want, got)
		}
	}

	if got := m.String(); got != "0-419,1320-1859,5000" {
		t.Fatalf("unexpected text form %q", got)
	}

	if _, err := ParseWeekBitmask("10-5"); err == nil {
		t.Fatal("expected error for reversed range")
	}
	if _, err := ParseWeekBitmask("0-10080"); err == nil {
		t.Fatal("expected error for out of range minute")
	}
}

func TestWeekBitmaskJSON(t *testing.T) {
	category := Category{ID: "games", UserID: "kid"}
	if err := category.BlockedMinutesInWeek.SetRange(60, 120); err != nil {
		t.Fatalf("set range: %v", err)
	}

	data, err := json.Marshal(category)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Category
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.BlockedMinutesInWeek.IsSet(90) || decoded.BlockedMinutesInWeek.IsSet(121) {
		t.Fatalf("bitmask not preserved: %s", decoded.BlockedMinutesInWeek)
	}
}

func TestWeekBitmaskNextChange(t *testing.T) {
	m, _ := ParseWeekBitmask("100-199")

	if next, ok := m.NextChange(50, 1440); !ok || next != 100 {
		t.Fatalf("expected change at 100, got %d %v", next, ok)
	}
	if next, ok := m.NextChange(150, 1440); !ok || next != 200 {
		t.Fatalf("expected change at 200, got %d %v", next, ok)
	}
	if _, ok := m.NextChange(300, 1440); ok {
		t.Fatal("expected no change after the range")
	}
	if _, ok := m.NextChange(50, 100); ok {
		t.Fatal("change at the limit must not be reported")
	}

	var empty WeekBitmask
	if _, ok := empty.NextChange(0, WeekMinutes); ok {
		t.Fatal("empty bitmask has no changes")
	}
	if !empty.Empty() {
		t.Fatal("zero bitmask should be empty")
	}
}

func TestAddUsedMillisClamps(t *testing.T) {
	hour := Slot{Start: 600, End: 659}

	tests := []struct {
		name string
		used int64
		add  int64
		slot Slot
		want int64
	}{
		{"adds", 1000, 500, WholeDay, 1500},
		{"clamps to slot length", 3_500_000, 200_000, hour, 3_600_000},
		{"whole day length", 86_000_000, 1_000_000, WholeDay, 86_400_000},
		{"never negative", 100, -500, WholeDay, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddUsedMillis(tt.used, tt.add, tt.slot); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}

	if got := SubtractExtraTime(1000, 5000); got != 0 {
		t.Fatalf("expected extra time to stop at zero, got %d", got)
	}
}

func TestNextSessionDuration(t *testing.T) {
	slot := SessionSlot{
		MaxSessionDuration:   600_000,
		SessionPauseDuration: 60_000,
		StartMinuteOfDay:     0,
		EndMinuteOfDay:       MaxMinuteOfDay,
	}
	const t0 = int64(1_700_000_000_000)

	first := NextSessionDuration(nil, "games", slot, 100_000, t0)
	if first.LastSessionDuration != 100_000 || first.LastUsage != t0 {
		t.Fatalf("unexpected new session %+v", first)
	}

	second := NextSessionDuration(&first, "games", slot, 100_000, t0+30_000)
	if second.LastSessionDuration != 200_000 {
		t.Fatalf("expected session to be extended to 200000, got %d", second.LastSessionDuration)
	}
	if second.LastUsage != t0+30_000 {
		t.Fatalf("expected last usage to move forward, got %d", second.LastUsage)
	}

	// The interval starts 2 minutes after the last usage: longer than the
	// pause, so a new session begins.
	third := NextSessionDuration(&second, "games", slot, 1_000, t0+30_000+121_000)
	if third.LastSessionDuration != 1_000 {
		t.Fatalf("expected a fresh session, got %d", third.LastSessionDuration)
	}

	// Within the tolerance window the session still continues.
	edge := NextSessionDuration(&second, "games", slot, 1_000, t0+30_000+55_000+1_000)
	if edge.LastSessionDuration != 201_000 {
		t.Fatalf("expected the tolerance to extend the session, got %d", edge.LastSessionDuration)
	}

	untrusted := NextSessionDuration(&second, "games", slot, 1_000, 0)
	if untrusted.LastSessionDuration != 201_000 || untrusted.LastUsage != second.LastUsage {
		t.Fatalf("untrusted report must extend without moving last usage: %+v", untrusted)
	}
}

func TestAddUsedTimeActionValidate(t *testing.T) {
	valid := AddUsedTimeAction{
		DayOfEpoch: 19723,
		Items: []AddUsedTimeItem{
			{CategoryID: "a", TimeToAdd: 1000},
			{CategoryID: "b", TimeToAdd: 1000, AdditionalCountingSlots: []Slot{{Start: 60, End: 120}}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid action: %v", err)
	}

	tests := []struct {
		name   string
		action AddUsedTimeAction
	}{
		{"no items", AddUsedTimeAction{DayOfEpoch: 1}},
		{"negative day", AddUsedTimeAction{DayOfEpoch: -1, Items: valid.Items}},
		{"duplicate category", AddUsedTimeAction{Items: []AddUsedTimeItem{{CategoryID: "a"}, {CategoryID: "a"}}}},
		{"negative time", AddUsedTimeAction{Items: []AddUsedTimeItem{{CategoryID: "a", TimeToAdd: -1}}}},
		{"bad slot", AddUsedTimeAction{Items: []AddUsedTimeItem{{CategoryID: "a", AdditionalCountingSlots: []Slot{{Start: 10, End: 5}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.action.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	without := valid.Without("a")
	if len(without.Items) != 1 || without.Items[0].CategoryID != "b" {
		t.Fatalf("unexpected items after removal: %+v", without.Items)
	}
	if len(valid.Items) != 2 {
		t.Fatal("Without must not modify the original action")
	}
}

func TestCategoryNotFoundError(t *testing.T) {
	err := fmt.Errorf("commit: %w", &CategoryNotFoundError{CategoryID: "games"})
	if !errors.Is(err, ErrCategoryNotFound) {
		t.Fatal("expected errors.Is to match ErrCategoryNotFound")
	}
	var notFound *CategoryNotFoundError
	if !errors.As(err, &notFound) || notFound.CategoryID != "games" {
		t.Fatalf("expected typed error, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	short := SessionDuration{LastUsage: 1000, SessionPauseDuration: time.Minute.Milliseconds()}
	if got := SessionExpiry(short); got != 1000+61*time.Minute.Milliseconds() {
		t.Fatalf("unexpected expiry %d", got)
	}
	long := SessionDuration{LastUsage: 1000, SessionPauseDuration: (30 * time.Hour).Milliseconds()}
	if got := SessionExpiry(long); got != 1000+(24*time.Hour).Milliseconds() {
		t.Fatalf("expiry should be capped at one day, got %d", got)
	}
}

func TestCategoryChain(t *testing.T) {
	data := &UserRelatedData{Categories: map[string]*CategoryRelatedData{
		"child":  {Category: Category{ID: "child", ParentCategoryID: "parent"}},
		"parent": {Category: Category{ID: "parent", ParentCategoryID: "child"}},
		"solo":   {Category: Category{ID: "solo", ParentCategoryID: "missing"}},
	}}

	if chain := data.CategoryChain("child"); len(chain) != 2 || chain[0] != "child" || chain[1] != "parent" {
		t.Fatalf("unexpected chain %v", chain)
	}
	if chain := data.CategoryChain("solo"); len(chain) != 1 {
		t.Fatalf("missing parents must end the chain, got %v", chain)
	}
	if chain := data.CategoryChain("nope"); len(chain) != 0 {
		t.Fatalf("unknown category yields empty chain, got %v", chain)
	}
}

func TestUserRelatedDataLocation(t *testing.T) {
	tests := []struct {
		name     string
		timeZone string
		want     string
	}{
		{name: "named zone", timeZone: "Europe/Berlin", want: "Europe/Berlin"},
		{name: "empty zone", timeZone: "", want: "UTC"},
		{name: "unknown zone", timeZone: "Mars/Olympus", want: "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := NewUserRelatedData(User{ID: "kid", TimeZone: tt.timeZone}, nil, 0)
			if data.Location == nil {
				t.Fatal("Expected a resolved location")
			}
			if got := data.Location.String(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

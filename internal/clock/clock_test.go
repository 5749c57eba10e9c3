package clock

import (
	"context"
	"testing"
	"time"
)

func TestDateOf(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("time zone data not available: %v", err)
	}

	tests := []struct {
		name        string
		at          time.Time
		loc         *time.Location
		dayOfWeek   int
		dayOfEpoch  int
		minuteOfDay int
	}{
		{
			name:        "epoch is a thursday",
			at:          time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			loc:         time.UTC,
			dayOfWeek:   3,
			dayOfEpoch:  0,
			minuteOfDay: 0,
		},
		{
			name:        "monday afternoon",
			at:          time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC),
			loc:         time.UTC,
			dayOfWeek:   0,
			dayOfEpoch:  19723,
			minuteOfDay: 14*60 + 30,
		},
		{
			name:        "utc evening is the next day in berlin",
			at:          time.Date(2024, 1, 7, 23, 30, 0, 0, time.UTC),
			loc:         berlin,
			dayOfWeek:   0,
			dayOfEpoch:  19730,
			minuteOfDay: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DateOf(tt.at, tt.loc)
			if d.DayOfWeek != tt.dayOfWeek {
				t.Errorf("expected day of week %d, got %d", tt.dayOfWeek, d.DayOfWeek)
			}
			if d.DayOfEpoch != tt.dayOfEpoch {
				t.Errorf("expected day of epoch %d, got %d", tt.dayOfEpoch, d.DayOfEpoch)
			}
			if d.MinuteOfDay != tt.minuteOfDay {
				t.Errorf("expected minute of day %d, got %d", tt.minuteOfDay, d.MinuteOfDay)
			}
		})
	}
}

func TestDateBoundaries(t *testing.T) {
	d := DateOf(time.Date(2024, 1, 3, 10, 15, 0, 0, time.UTC), time.UTC)

	if got := d.FirstDayOfWeek(); got != d.DayOfEpoch-2 {
		t.Fatalf("expected first day of week %d, got %d", d.DayOfEpoch-2, got)
	}
	if got := d.MinuteOfWeek(); got != 2*MinutesPerDay+615 {
		t.Fatalf("unexpected minute of week %d", got)
	}
	if got := d.AtMinute(600); !got.Equal(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected minute instant %s", got)
	}
	if got := d.NextMidnight(); !got.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next midnight %s", got)
	}
}

func TestTestClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTestClock(start)

	if err := c.Sleep(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if c.Uptime() != 5*time.Second {
		t.Fatalf("expected uptime 5s, got %s", c.Uptime())
	}

	c.Set(start.Add(-time.Hour))
	if c.Uptime() != 5*time.Second {
		t.Fatal("wall clock jump must not change uptime")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

package usage

import (
	"time"

	"github.com/goodtune/ktime/internal/clock"
)

// DefaultDayChangeSettle is how long a new day must hold before stale
// usage is deleted.
const DefaultDayChangeSettle = 10 * time.Minute

// DayChange is the result of reporting the current day.
type DayChange int

const (
	DayChangeNo DayChange = iota
	// DayChangeNow is reported once when the day differs from the last one.
	DayChangeNow
	// DayChangeNowSinceLongerTime is reported once when the new day has
	// held for the settle duration.
	DayChangeNowSinceLongerTime
)

func (d DayChange) String() string {
	switch d {
	case DayChangeNow:
		return "now"
	case DayChangeNowSinceLongerTime:
		return "now_since_longer_time"
	default:
		return "no"
	}
}

// DayChangeTracker detects day transitions. It measures how long a day has
// held with monotonic uptime, so wall clock corrections cannot trigger
// cleanup early.
type DayChangeTracker struct {
	clock  clock.Clock
	settle time.Duration

	lastDay      int
	changedAt    time.Duration
	lastReported time.Duration
}

// NewDayChangeTracker creates a tracker. A settle of 0 selects
// DefaultDayChangeSettle.
func NewDayChangeTracker(c clock.Clock, settle time.Duration) *DayChangeTracker {
	if settle <= 0 {
		settle = DefaultDayChangeSettle
	}
	t := &DayChangeTracker{clock: c, settle: settle}
	t.Reset()
	return t
}

// ReportDayChange compares dayOfEpoch with the previous report.
func (t *DayChangeTracker) ReportDayChange(dayOfEpoch int) DayChange {
	uptime := t.clock.Uptime()

	if t.lastDay != dayOfEpoch {
		t.lastDay = dayOfEpoch
		t.changedAt = uptime
		t.lastReported = 0
		return DayChangeNow
	}

	held := uptime - t.changedAt
	result := DayChangeNo
	if held >= t.settle && t.lastReported < t.settle {
		result = DayChangeNowSinceLongerTime
	}
	t.lastReported = held
	return result
}

// Reset forgets the last known day.
func (t *DayChangeTracker) Reset() {
	t.lastDay = -1
	t.changedAt = -1
	t.lastReported = -1
}

package clock

import "time"

const (
	MinutesPerDay  = 24 * 60
	MinutesPerWeek = 7 * MinutesPerDay
)

// Date is a calendar position in a user's time zone.
type Date struct {
	// DayOfWeek counts from Monday = 0.
	DayOfWeek   int
	DayOfEpoch  int
	MinuteOfDay int

	year  int
	month time.Month
	day   int
	loc   *time.Location
}

// DateOf returns the calendar position of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	epochDay := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400

	return Date{
		DayOfWeek:   (int(local.Weekday()) + 6) % 7,
		DayOfEpoch:  int(epochDay),
		MinuteOfDay: local.Hour()*60 + local.Minute(),
		year:        y,
		month:       m,
		day:         d,
		loc:         loc,
	}
}

// MinuteOfWeek returns the minute index used by weekly bitmasks.
func (d Date) MinuteOfWeek() int {
	return d.DayOfWeek*MinutesPerDay + d.MinuteOfDay
}

// FirstDayOfWeek returns the epoch day of the Monday of this week.
func (d Date) FirstDayOfWeek() int {
	return d.DayOfEpoch - d.DayOfWeek
}

// AtMinute returns the instant at the given minute of this day.
func (d Date) AtMinute(minute int) time.Time {
	return time.Date(d.year, d.month, d.day, 0, minute, 0, 0, d.location())
}

// NextMidnight returns the start of the following day.
func (d Date) NextMidnight() time.Time {
	return time.Date(d.year, d.month, d.day+1, 0, 0, 0, 0, d.location())
}

func (d Date) location() *time.Location {
	if d.loc == nil {
		return time.UTC
	}
	return d.loc
}

package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// WeekMinutes is the number of bits in a WeekBitmask.
const WeekMinutes = 7 * 24 * 60

// WeekBitmask marks minutes of the week, bit 0 being Monday 00:00.
// The zero value has no minute set.
//
// The text form lists inclusive minute ranges, e.g. "0-419,1320-1859".
type WeekBitmask struct {
	bits *bitset.BitSet
}

// NewWeekBitmask returns an empty bitmask.
func NewWeekBitmask() WeekBitmask {
	return WeekBitmask{bits: bitset.New(WeekMinutes)}
}

// ParseWeekBitmask parses the range text form.
func ParseWeekBitmask(s string) (WeekBitmask, error) {
	var m WeekBitmask
	if err := m.UnmarshalText([]byte(s)); err != nil {
		return WeekBitmask{}, err
	}
	return m, nil
}

// IsSet reports whether the minute of the week is marked.
func (m WeekBitmask) IsSet(minuteOfWeek int) bool {
	if m.bits == nil || minuteOfWeek < 0 || minuteOfWeek >= WeekMinutes {
		return false
	}
	return m.bits.Test(uint(minuteOfWeek))
}

// SetRange marks the inclusive range from..to.
func (m *WeekBitmask) SetRange(from, to int) error {
	if from < 0 || to >= WeekMinutes || from > to {
		return fmt.Errorf("invalid minute range %d-%d", from, to)
	}
	if m.bits == nil {
		m.bits = bitset.New(WeekMinutes)
	}
	for i := from; i <= to; i++ {
		m.bits.Set(uint(i))
	}
	return nil
}

// Empty reports whether no minute is marked.
func (m WeekBitmask) Empty() bool {
	return m.bits == nil || m.bits.None()
}

// NextChange returns the first minute after from, and before limit, whose bit
// differs from the bit at from.
func (m WeekBitmask) NextChange(from, limit int) (int, bool) {
	if from < 0 || from >= WeekMinutes {
		return 0, false
	}
	if limit > WeekMinutes {
		limit = WeekMinutes
	}
	var (
		next  uint
		found bool
	)
	switch {
	case m.bits == nil:
		return 0, false
	case m.bits.Test(uint(from)):
		next, found = m.bits.NextClear(uint(from))
	default:
		next, found = m.bits.NextSet(uint(from))
	}
	if !found || int(next) >= limit {
		return 0, false
	}
	return int(next), true
}

// Ranges returns the marked minutes as inclusive ranges.
func (m WeekBitmask) Ranges() [][2]int {
	var ranges [][2]int
	if m.bits == nil {
		return ranges
	}
	start := -1
	for i := 0; i < WeekMinutes; i++ {
		set := m.bits.Test(uint(i))
		switch {
		case set && start < 0:
			start = i
		case !set && start >= 0:
			ranges = append(ranges, [2]int{start, i - 1})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, [2]int{start, WeekMinutes - 1})
	}
	return ranges
}

// MarshalText implements encoding.TextMarshaler.
func (m WeekBitmask) MarshalText() ([]byte, error) {
	parts := make([]string, 0)
	for _, r := range m.Ranges() {
		if r[0] == r[1] {
			parts = append(parts, strconv.Itoa(r[0]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d-%d", r[0], r[1]))
	}
	return []byte(strings.Join(parts, ",")), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *WeekBitmask) UnmarshalText(data []byte) error {
	m.bits = bitset.New(WeekMinutes)
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return fmt.Errorf("invalid minute %q: %w", from, err)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(to))
			if err != nil {
				return fmt.Errorf("invalid minute %q: %w", to, err)
			}
		}
		if err := m.SetRange(start, end); err != nil {
			return err
		}
	}
	return nil
}

// String returns the text form.
func (m WeekBitmask) String() string {
	text, _ := m.MarshalText()
	return string(text)
}

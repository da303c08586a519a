package agenda

import (
	"fmt"
	"strings"
	"time"
)

// MaxSlotIterations bounds the calendar walk of GenerateSlots.
const MaxSlotIterations = 400

// TimeOfDay is a minute offset from local midnight.
type TimeOfDay int

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time %q, want HH:MM", ErrValidation, s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

// TimeOfDayOf is the minute-of-day of t in loc.
func TimeOfDayOf(t time.Time, loc *time.Location) TimeOfDay {
	lt := t.In(loc)
	return TimeOfDay(lt.Hour()*60 + lt.Minute())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On places t on the calendar day of date, in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc)
}

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyAlternate Frequency = "alternate"
	FrequencyWeekly    Frequency = "weekly"
)

func ParseFrequency(raw string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(raw))); f {
	case FrequencyDaily, FrequencyAlternate, FrequencyWeekly:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency %q", ErrValidation, raw)
	}
}

func (f Frequency) step() int {
	switch f {
	case FrequencyAlternate:
		return 2
	case FrequencyWeekly:
		return 7
	default:
		return 1
	}
}

func (f Frequency) skips(d time.Weekday) bool {
	if d == time.Sunday {
		return true
	}
	return f == FrequencyDaily && d == time.Saturday
}

// GeneratedSlot is a candidate (date, time) that exists only while a
// booking is being composed. Key identifies it within that composition.
type GeneratedSlot struct {
	Key  int
	Date time.Time // midnight of the day, in the seed's location
	Time TimeOfDay
}

// DateString formats the slot date as YYYY-MM-DD.
func (s GeneratedSlot) DateString() string {
	return s.Date.Format(time.DateOnly)
}

// Start resolves the slot to an instant in loc.
func (s GeneratedSlot) Start(loc *time.Location) time.Time {
	return s.Time.On(s.Date, loc)
}

// GenerateSlots expands a seed into candidate slots. A non-recurrent request
// yields the seed alone. A recurrent one walks forward from startDate
// stepping by freq, never landing on Sunday (nor Saturday for daily). A seed
// on a skipped day rolls forward one day at a time until it reaches a valid
// day. The walk stops after count slots or MaxSlotIterations steps.
func GenerateSlots(startDate time.Time, startTime TimeOfDay, isRecurrent bool, count int, freq Frequency) []GeneratedSlot {
	y, m, d := startDate.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, startDate.Location())

	if !isRecurrent {
		return []GeneratedSlot{{Key: 1, Date: day, Time: startTime}}
	}
	if count <= 0 {
		return nil
	}

	slots := make([]GeneratedSlot, 0, count)
	for i := 0; i < MaxSlotIterations && len(slots) < count; i++ {
		if freq.skips(day.Weekday()) {
			day = day.AddDate(0, 0, 1)
			continue
		}
		slots = append(slots, GeneratedSlot{Key: len(slots) + 1, Date: day, Time: startTime})
		day = day.AddDate(0, 0, freq.step())
	}
	return slots
}

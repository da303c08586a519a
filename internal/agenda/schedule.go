package agenda

import (
	"fmt"
	"sort"
	"time"
)

// Schedule is the clinic operating-hour configuration: which times of day
// can be booked, how long a session lasts, and the timezone both are
// expressed in.
type Schedule struct {
	loc      *time.Location
	duration time.Duration
	times    []TimeOfDay
	valid    map[TimeOfDay]struct{}
}

func NewSchedule(loc *time.Location, sessionDuration time.Duration, slotTimes []string) (*Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	if sessionDuration <= 0 {
		return nil, fmt.Errorf("session duration must be positive, got %s", sessionDuration)
	}

	s := &Schedule{
		loc:      loc,
		duration: sessionDuration,
		valid:    make(map[TimeOfDay]struct{}, len(slotTimes)),
	}
	for _, raw := range slotTimes {
		t, err := ParseTimeOfDay(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := s.valid[t]; dup {
			continue
		}
		s.valid[t] = struct{}{}
		s.times = append(s.times, t)
	}
	sort.Slice(s.times, func(i, j int) bool { return s.times[i] < s.times[j] })

	return s, nil
}

func (s *Schedule) Location() *time.Location { return s.loc }

func (s *Schedule) SessionDuration() time.Duration { return s.duration }

// Times lists the bookable times of day in ascending order.
func (s *Schedule) Times() []TimeOfDay {
	out := make([]TimeOfDay, len(s.times))
	copy(out, s.times)
	return out
}

// Allows reports whether t is one of the configured slots. An empty
// configuration allows any time.
func (s *Schedule) Allows(t TimeOfDay) bool {
	if len(s.valid) == 0 {
		return true
	}
	_, ok := s.valid[t]
	return ok
}

// EndFor derives end_at from start_at.
func (s *Schedule) EndFor(start time.Time) time.Time {
	return start.Add(s.duration)
}

// DayBounds returns [midnight, next midnight) of day in the clinic timezone.
func (s *Schedule) DayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.In(s.loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	return from, from.AddDate(0, 0, 1)
}

// ParseDate reads YYYY-MM-DD as a calendar day in the clinic timezone.
func (s *Schedule) ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, raw, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, want YYYY-MM-DD", ErrValidation, raw)
	}
	return d, nil
}

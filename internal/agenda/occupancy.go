package agenda

import "time"

type Occupancy struct {
	Count    int  `json:"count"`
	Capacity int  `json:"capacity"`
	IsFull   bool `json:"is_full"`
}

// Remaining is how many more bookings fit, never negative.
func (o Occupancy) Remaining() int {
	if o.Capacity <= o.Count {
		return 0
	}
	return o.Capacity - o.Count
}

// ComputeOccupancy counts the appointments of spec that still hold a place
// (canceled and no_show free it). With slot set only appointments starting at
// that minute of day in loc count, otherwise the whole list does. Callers
// pass the appointments of a single day.
func ComputeOccupancy(spec Specialty, appts []Appointment, slot *TimeOfDay, loc *time.Location) Occupancy {
	if loc == nil {
		loc = time.UTC
	}

	count := 0
	for _, a := range appts {
		if a.SpecialtyID == nil || *a.SpecialtyID != spec.SpecialtyID {
			continue
		}
		if !a.Status.CountsTowardOccupancy() {
			continue
		}
		if slot != nil && TimeOfDayOf(a.StartAt, loc) != *slot {
			continue
		}
		count++
	}

	return Occupancy{
		Count:    count,
		Capacity: spec.Capacity,
		IsFull:   spec.Capacity > 0 && count >= spec.Capacity,
	}
}

package agenda

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Resolver answers "is this specialty open at this time" from a fresh read
// of the day. Nothing is cached.
type Resolver struct {
	store    *Store
	registry *Registry
}

func NewResolver(store *Store, registry *Registry) *Resolver {
	return &Resolver{store: store, registry: registry}
}

// Occupancy of one specialty on day, optionally narrowed to one slot.
func (r *Resolver) Occupancy(ctx context.Context, specialtyID uuid.UUID, day time.Time, slot *TimeOfDay) (Occupancy, error) {
	spec, err := r.registry.Specialty(ctx, specialtyID)
	if err != nil {
		return Occupancy{}, err
	}
	appts := r.store.List(ctx, day, nil)
	return ComputeOccupancy(*spec, appts, slot, r.store.Schedule().Location()), nil
}

type SlotOccupancy struct {
	SpecialtyID uuid.UUID `json:"specialty_id"`
	Specialty   string    `json:"specialty"`
	Time        string    `json:"time"`
	Occupancy
}

// Board is the whole-day grid: every bookable specialty at every configured
// time.
func (r *Resolver) Board(ctx context.Context, day time.Time) []SlotOccupancy {
	specs := r.registry.ListBookable(ctx)
	appts := r.store.List(ctx, day, nil)
	loc := r.store.Schedule().Location()

	var out []SlotOccupancy
	for _, spec := range specs {
		for _, t := range r.store.Schedule().Times() {
			slot := t
			out = append(out, SlotOccupancy{
				SpecialtyID: spec.SpecialtyID,
				Specialty:   spec.DisplayName(),
				Time:        t.String(),
				Occupancy:   ComputeOccupancy(spec, appts, &slot, loc),
			})
		}
	}
	return out
}

// fullSlots returns the starts among slots where spec has no room left.
// It reads strictly: a day that cannot be read blocks the booking instead
// of looking empty.
func (r *Resolver) fullSlots(ctx context.Context, spec Specialty, starts []time.Time) ([]time.Time, error) {
	sched := r.store.Schedule()
	loc := sched.Location()

	byDay := map[string][]Appointment{}
	var full []time.Time
	for _, start := range starts {
		key := start.In(loc).Format(time.DateOnly)
		appts, ok := byDay[key]
		if !ok {
			var err error
			appts, err = r.store.ListStrict(ctx, start, nil)
			if err != nil {
				return nil, fmt.Errorf("read day %s: %w", key, err)
			}
			byDay[key] = appts
		}

		slot := TimeOfDayOf(start, loc)
		if ComputeOccupancy(spec, appts, &slot, loc).IsFull {
			full = append(full, start)
		}
	}
	return full, nil
}

package agenda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
	"github.com/hackgods/clinic-agenda/internal/tenant"
)

// SlotFullError lists the requested starts that have no room left.
type SlotFullError struct {
	Starts []time.Time
}

func (e *SlotFullError) Error() string {
	parts := make([]string, len(e.Starts))
	for i, s := range e.Starts {
		parts[i] = s.Format("2006-01-02 15:04")
	}
	return fmt.Sprintf("%s: %s", ErrSlotFull, strings.Join(parts, ", "))
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

type PreviewRequest struct {
	StartDate   time.Time
	StartTime   TimeOfDay
	IsRecurrent bool
	Count       int
	Frequency   Frequency
}

type BookingRequest struct {
	PatientID   uuid.UUID
	SpecialtyID uuid.UUID
	AssignedTo  *uuid.UUID
	Notes       *string
	// Slots as composed by the operator: generated, possibly edited.
	Slots []GeneratedSlot
}

type BookingResult struct {
	Appointments []Appointment
	Failed       []SlotFailure
	SeriesID     *uuid.UUID
	Requested    int
	Message      string
	ContactLink  string
}

// Booker turns one composed booking into appointments.
type Booker struct {
	registry       *Registry
	resolver       *Resolver
	store          *Store
	locker         redisclient.Locker
	messenger      *Messenger
	maxOccurrences int
	log            zerolog.Logger
	metrics        *metrics.Metrics
}

type BookerDeps struct {
	Registry       *Registry
	Resolver       *Resolver
	Store          *Store
	Locker         redisclient.Locker
	Messenger      *Messenger
	MaxOccurrences int
	Log            zerolog.Logger
	Metrics        *metrics.Metrics
}

func NewBooker(d BookerDeps) *Booker {
	if d.Locker == nil {
		d.Locker = redisclient.NopLocker{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Discard()
	}
	if d.MaxOccurrences <= 0 {
		d.MaxOccurrences = 60
	}
	return &Booker{
		registry:       d.Registry,
		resolver:       d.Resolver,
		store:          d.Store,
		locker:         d.Locker,
		messenger:      d.Messenger,
		maxOccurrences: d.MaxOccurrences,
		log:            d.Log,
		metrics:        d.Metrics,
	}
}

// Preview generates the candidate slots for a composition.
func (b *Booker) Preview(req PreviewRequest) ([]GeneratedSlot, error) {
	if !b.store.Schedule().Allows(req.StartTime) {
		return nil, fmt.Errorf("%w: %s is not a configured slot time", ErrValidation, req.StartTime)
	}
	if req.IsRecurrent {
		if req.Count < 1 || req.Count > b.maxOccurrences {
			return nil, fmt.Errorf("%w: occurrence count must be between 1 and %d", ErrValidation, b.maxOccurrences)
		}
		if _, err := ParseFrequency(string(req.Frequency)); err != nil {
			return nil, err
		}
	}

	slots := GenerateSlots(req.StartDate, req.StartTime, req.IsRecurrent, req.Count, req.Frequency)
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no slots could be generated", ErrValidation)
	}
	return slots, nil
}

func (b *Booker) validate(req BookingRequest) ([]time.Time, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient is required", ErrValidation)
	}
	if req.SpecialtyID == uuid.Nil {
		return nil, fmt.Errorf("%w: specialty is required", ErrValidation)
	}
	if len(req.Slots) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", ErrValidation)
	}
	if len(req.Slots) > b.maxOccurrences {
		return nil, fmt.Errorf("%w: at most %d slots per booking", ErrValidation, b.maxOccurrences)
	}

	sched := b.store.Schedule()
	seen := make(map[int64]struct{}, len(req.Slots))
	starts := make([]time.Time, 0, len(req.Slots))
	for _, slot := range req.Slots {
		if !sched.Allows(slot.Time) {
			return nil, fmt.Errorf("%w: %s is not a configured slot time", ErrValidation, slot.Time)
		}
		start := slot.Start(sched.Location())
		if _, dup := seen[start.Unix()]; dup {
			return nil, fmt.Errorf("%w: slot %s is listed twice", ErrValidation, start.Format("2006-01-02 15:04"))
		}
		seen[start.Unix()] = struct{}{}
		starts = append(starts, start)
	}
	return starts, nil
}

// Book validates the composition, refuses it when any slot is full, and
// otherwise persists one appointment per slot. The capacity check and the
// creates run under a lock per clinic specialty so two operators cannot both
// take the last place.
func (b *Booker) Book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}

	starts, err := b.validate(req)
	if err != nil {
		return nil, err
	}

	patient, err := b.registry.Patient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	spec, err := b.registry.Specialty(ctx, req.SpecialtyID)
	if err != nil {
		return nil, err
	}
	if !spec.Bookable() {
		return nil, ErrSpecialtyNotBookable
	}

	items := make([]NewAppointment, len(starts))
	for i, start := range starts {
		items[i] = NewAppointment{
			PatientID:   req.PatientID,
			SpecialtyID: spec.SpecialtyID,
			AssignedTo:  req.AssignedTo,
			StartAt:     start,
			Notes:       req.Notes,
		}
	}

	result := &BookingResult{Requested: len(items)}
	err = b.locker.WithLock(ctx, redisclient.BookingKey(clinicID, spec.SpecialtyID), func(lockCtx context.Context) error {
		full, err := b.resolver.fullSlots(lockCtx, *spec, starts)
		if err != nil {
			return err
		}
		if len(full) > 0 {
			b.metrics.Bookings.WithLabelValues("refused_full").Add(float64(len(full)))
			return &SlotFullError{Starts: full}
		}

		if len(items) == 1 {
			appt, err := b.store.Create(lockCtx, items[0])
			if err != nil {
				result.Failed = []SlotFailure{{StartAt: items[0].StartAt, Err: err}}
				return err
			}
			result.Appointments = []Appointment{*appt}
			return nil
		}

		series, err := b.store.CreateSeries(lockCtx, items)
		if series != nil {
			result.Appointments = series.Created
			result.Failed = series.Failed
			id := series.Series.ID
			result.SeriesID = &id
		}
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBookingInProgress
		}
		if len(result.Appointments) == 0 {
			return nil, err
		}
	}

	booked := make([]time.Time, len(result.Appointments))
	for i, a := range result.Appointments {
		booked[i] = a.StartAt
	}
	if b.messenger != nil && len(booked) > 0 {
		result.Message = b.messenger.Confirmation(patient.FirstName(), spec.DisplayName(), booked)
		if patient.Phone != nil {
			result.ContactLink = b.messenger.Link(*patient.Phone, result.Message)
		}
	}

	b.log.Info().
		Str("clinic_id", clinicID.String()).
		Str("specialty_id", spec.SpecialtyID.String()).
		Int("created", len(result.Appointments)).
		Int("requested", result.Requested).
		Msg("booking processed")

	return result, nil
}

// Update applies p like Store.Update. A patch that moves an appointment into
// another slot or specialty is checked against the target's capacity under
// the same lock bookings take, so a reschedule cannot overbook.
func (b *Booker) Update(ctx context.Context, id uuid.UUID, p Patch, expectedVersion int) (*Appointment, error) {
	if p.StartAt == nil && p.SpecialtyID == nil {
		return b.store.Update(ctx, id, p, expectedVersion)
	}

	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	current, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	start := current.StartAt
	if p.StartAt != nil {
		start = *p.StartAt
	}
	var specialtyID uuid.UUID
	if current.SpecialtyID != nil {
		specialtyID = *current.SpecialtyID
	}
	if p.SpecialtyID != nil {
		specialtyID = *p.SpecialtyID
	}
	status := current.Status
	if p.Status != nil {
		status = *p.Status
	}

	sameSlot := start.Equal(current.StartAt) && current.SpecialtyID != nil && specialtyID == *current.SpecialtyID
	if sameSlot || !status.CountsTowardOccupancy() {
		return b.store.Update(ctx, id, p, expectedVersion)
	}

	spec, err := b.registry.Specialty(ctx, specialtyID)
	if err != nil {
		return nil, err
	}
	if !spec.Bookable() {
		return nil, ErrSpecialtyNotBookable
	}

	var updated *Appointment
	err = b.locker.WithLock(ctx, redisclient.BookingKey(clinicID, specialtyID), func(lockCtx context.Context) error {
		full, err := b.resolver.fullSlots(lockCtx, *spec, []time.Time{start})
		if err != nil {
			return err
		}
		if len(full) > 0 {
			b.metrics.Bookings.WithLabelValues("refused_full").Inc()
			return &SlotFullError{Starts: full}
		}
		updated, err = b.store.Update(lockCtx, id, p, expectedVersion)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return nil, ErrBookingInProgress
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

package agenda

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
)

type busyLocker struct{ calls atomic.Int32 }

func (l *busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	l.calls.Add(1)
	return redisclient.ErrLockNotAcquired
}

type recordingLocker struct{ keys []string }

func (l *recordingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.keys = append(l.keys, key)
	return fn(ctx)
}

func (f *fixture) bookable(capacity int) Specialty {
	return f.repo.addSpecialty(f.clinicID, Specialty{Name: "Physiotherapy", Capacity: capacity})
}

func TestBookerPreview(t *testing.T) {
	f := newFixture(t, StoreOptions{})

	slots, err := f.booker.Preview(PreviewRequest{
		StartDate:   date(2025, 1, 6),
		StartTime:   540,
		IsRecurrent: true,
		Count:       3,
		Frequency:   FrequencyDaily,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-06", "2025-01-07", "2025-01-08"}, slotDates(slots))

	_, err = f.booker.Preview(PreviewRequest{StartDate: date(2025, 1, 6), StartTime: 545})
	assert.ErrorIs(t, err, ErrValidation, "not a configured time")

	_, err = f.booker.Preview(PreviewRequest{StartDate: date(2025, 1, 6), StartTime: 540, IsRecurrent: true, Count: 61, Frequency: FrequencyWeekly})
	assert.ErrorIs(t, err, ErrValidation, "over the occurrence cap")

	_, err = f.booker.Preview(PreviewRequest{StartDate: date(2025, 1, 6), StartTime: 540, IsRecurrent: true, Count: 2, Frequency: "monthly"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBookerBook_DailySeries(t *testing.T) {
	f := newFixture(t, StoreOptions{Concurrency: 2})
	spec := f.bookable(2)
	patient := f.repo.addPatient("Maria Souza", strPtr("(11) 98765-4321"))

	slots, err := f.booker.Preview(PreviewRequest{StartDate: date(2025, 1, 6), StartTime: 540, IsRecurrent: true, Count: 3, Frequency: FrequencyDaily})
	require.NoError(t, err)

	res, err := f.booker.Book(f.ctx, BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID, Slots: slots})
	require.NoError(t, err)

	require.Len(t, res.Appointments, 3)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.Requested)
	require.NotNil(t, res.SeriesID)

	want := []time.Time{at(2025, 1, 6, 9, 0), at(2025, 1, 7, 9, 0), at(2025, 1, 8, 9, 0)}
	for i, a := range res.Appointments {
		assert.Equal(t, want[i], a.StartAt)
		assert.Equal(t, want[i].Add(40*time.Minute), a.EndAt)
		assert.Equal(t, StatusScheduled, a.Status)
		assert.Equal(t, *res.SeriesID, *a.SeriesID)
	}

	assert.Contains(t, res.Message, "Hello Maria!")
	assert.Contains(t, res.Message, "Physiotherapy")
	assert.Equal(t, 3, strings.Count(res.Message, "\n- "))
	assert.True(t, strings.HasPrefix(res.ContactLink, "https://wa.me/5511987654321?text="))
}

func TestBookerBook_SingleSlotHasNoSeries(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(1)
	patient := f.repo.addPatient("João", nil)

	res, err := f.booker.Book(f.ctx, BookingRequest{
		PatientID:   patient.ID,
		SpecialtyID: spec.SpecialtyID,
		Slots:       []GeneratedSlot{{Key: 1, Date: date(2025, 1, 6), Time: 600}},
	})
	require.NoError(t, err)
	require.Len(t, res.Appointments, 1)
	assert.Nil(t, res.SeriesID)
	assert.Empty(t, res.ContactLink, "patient without phone")
	assert.NotEmpty(t, res.Message)
}

func TestBookerBook_FullSlotBlocksBeforeAnyCreate(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(1)
	patient := f.repo.addPatient("Ana Lima", nil)
	f.seedAt(spec.SpecialtyID, at(2025, 1, 7, 9, 0), StatusScheduled)

	slots := []GeneratedSlot{
		{Key: 1, Date: date(2025, 1, 6), Time: 540},
		{Key: 2, Date: date(2025, 1, 7), Time: 540},
	}
	_, err := f.booker.Book(f.ctx, BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID, Slots: slots})
	require.ErrorIs(t, err, ErrSlotFull)

	var full *SlotFullError
	require.True(t, errors.As(err, &full))
	assert.Equal(t, []time.Time{at(2025, 1, 7, 9, 0)}, full.Starts)

	assert.Equal(t, 1, f.repo.count(), "nothing created")
}

func TestBookerBook_FreedStatusesDoNotBlock(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(1)
	patient := f.repo.addPatient("Ana Lima", nil)
	f.seedAt(spec.SpecialtyID, at(2025, 1, 6, 9, 0), StatusCanceled)
	f.seedAt(spec.SpecialtyID, at(2025, 1, 6, 9, 0), StatusNoShow)

	res, err := f.booker.Book(f.ctx, BookingRequest{
		PatientID:   patient.ID,
		SpecialtyID: spec.SpecialtyID,
		Slots:       []GeneratedSlot{{Key: 1, Date: date(2025, 1, 6), Time: 540}},
	})
	require.NoError(t, err)
	assert.Len(t, res.Appointments, 1)
}

func TestBookerBook_UnreadableDayBlocks(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(3)
	patient := f.repo.addPatient("Ana Lima", nil)
	f.repo.failList = true

	_, err := f.booker.Book(f.ctx, BookingRequest{
		PatientID:   patient.ID,
		SpecialtyID: spec.SpecialtyID,
		Slots:       []GeneratedSlot{{Key: 1, Date: date(2025, 1, 6), Time: 540}},
	})
	require.ErrorIs(t, err, errStorage)
	assert.Zero(t, f.repo.count())
}

func TestBookerBook_PartialSeries(t *testing.T) {
	f := newFixture(t, StoreOptions{Concurrency: 3})
	spec := f.bookable(5)
	patient := f.repo.addPatient("Carla Dias", nil)
	f.repo.failCreateAt[at(2025, 1, 13, 9, 0)] = true

	slots := GenerateSlots(date(2025, 1, 6), 540, true, 3, FrequencyWeekly)
	res, err := f.booker.Book(f.ctx, BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID, Slots: slots})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Requested)
	assert.Len(t, res.Appointments, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, at(2025, 1, 13, 9, 0), res.Failed[0].StartAt)
	assert.Equal(t, 2, strings.Count(res.Message, "\n- "), "message lists only booked dates")
}

func TestBookerBook_Validation(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(2)
	disabled := f.repo.addSpecialty(f.clinicID, Specialty{Name: "Pilates", Capacity: 0})
	patient := f.repo.addPatient("Ana Lima", nil)
	slot := GeneratedSlot{Key: 1, Date: date(2025, 1, 6), Time: 540}

	cases := []struct {
		name string
		req  BookingRequest
		err  error
	}{
		{"no patient", BookingRequest{SpecialtyID: spec.SpecialtyID, Slots: []GeneratedSlot{slot}}, ErrValidation},
		{"no slots", BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID}, ErrValidation},
		{"duplicate slot", BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID, Slots: []GeneratedSlot{slot, slot}}, ErrValidation},
		{"off-grid time", BookingRequest{PatientID: patient.ID, SpecialtyID: spec.SpecialtyID, Slots: []GeneratedSlot{{Date: date(2025, 1, 6), Time: 541}}}, ErrValidation},
		{"unknown patient", BookingRequest{PatientID: uuid.New(), SpecialtyID: spec.SpecialtyID, Slots: []GeneratedSlot{slot}}, ErrPatientNotFound},
		{"unknown specialty", BookingRequest{PatientID: patient.ID, SpecialtyID: uuid.New(), Slots: []GeneratedSlot{slot}}, ErrSpecialtyNotFound},
		{"capacity zero", BookingRequest{PatientID: patient.ID, SpecialtyID: disabled.SpecialtyID, Slots: []GeneratedSlot{slot}}, ErrSpecialtyNotBookable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.booker.Book(f.ctx, c.req)
			assert.ErrorIs(t, err, c.err)
		})
	}
	assert.Zero(t, f.repo.count())
}

func TestBookerBook_LockScopeAndBusy(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(2)
	patient := f.repo.addPatient("Ana Lima", nil)
	req := BookingRequest{
		PatientID:   patient.ID,
		SpecialtyID: spec.SpecialtyID,
		Slots:       []GeneratedSlot{{Key: 1, Date: date(2025, 1, 6), Time: 540}},
	}

	rec := &recordingLocker{}
	booker := NewBooker(BookerDeps{Registry: f.registry, Resolver: f.resolver, Store: f.store, Locker: rec, Log: zerolog.Nop()})
	_, err := booker.Book(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{redisclient.BookingKey(f.clinicID, spec.SpecialtyID)}, rec.keys)

	busy := &busyLocker{}
	booker = NewBooker(BookerDeps{Registry: f.registry, Resolver: f.resolver, Store: f.store, Locker: busy, Log: zerolog.Nop()})
	_, err = booker.Book(f.ctx, req)
	assert.ErrorIs(t, err, ErrBookingInProgress)
	assert.EqualValues(t, 1, busy.calls.Load())
	assert.Equal(t, 1, f.repo.count())
}

func TestBookerUpdate_RescheduleRespectsCapacity(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(1)
	f.seedAt(spec.SpecialtyID, at(2025, 1, 6, 10, 0), StatusScheduled)
	moving := f.seedAt(spec.SpecialtyID, at(2025, 1, 6, 9, 0), StatusScheduled)

	target := at(2025, 1, 6, 10, 0)
	_, err := f.booker.Update(f.ctx, moving.ID, Patch{StartAt: &target}, 0)
	require.ErrorIs(t, err, ErrSlotFull)
	assert.Equal(t, at(2025, 1, 6, 9, 0), f.repo.get(moving.ID).StartAt)

	free := at(2025, 1, 6, 10, 40)
	updated, err := f.booker.Update(f.ctx, moving.ID, Patch{StartAt: &free}, 0)
	require.NoError(t, err)
	assert.Equal(t, free, updated.StartAt)
	assert.Equal(t, free.Add(40*time.Minute), updated.EndAt)
}

func TestBookerUpdate_SpecialtyMoveChecksTarget(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	from := f.bookable(3)
	to := f.repo.addSpecialty(f.clinicID, Specialty{Name: "Pilates", Capacity: 1})
	closed := f.repo.addSpecialty(f.clinicID, Specialty{Name: "Hydrotherapy", Capacity: 0})
	f.seedAt(to.SpecialtyID, at(2025, 1, 6, 9, 0), StatusConfirmed)
	moving := f.seedAt(from.SpecialtyID, at(2025, 1, 6, 9, 0), StatusScheduled)

	_, err := f.booker.Update(f.ctx, moving.ID, Patch{SpecialtyID: &to.SpecialtyID}, 0)
	assert.ErrorIs(t, err, ErrSlotFull)

	_, err = f.booker.Update(f.ctx, moving.ID, Patch{SpecialtyID: &closed.SpecialtyID}, 0)
	assert.ErrorIs(t, err, ErrSpecialtyNotBookable)

	assert.Equal(t, from.SpecialtyID, *f.repo.get(moving.ID).SpecialtyID)
}

func TestBookerUpdate_LockOnlyWhenSlotMoves(t *testing.T) {
	f := newFixture(t, StoreOptions{})
	spec := f.bookable(1)
	a := f.seedAt(spec.SpecialtyID, at(2025, 1, 6, 9, 0), StatusScheduled)

	rec := &recordingLocker{}
	booker := NewBooker(BookerDeps{Registry: f.registry, Resolver: f.resolver, Store: f.store, Locker: rec, Log: zerolog.Nop()})

	confirmed := StatusConfirmed
	_, err := booker.Update(f.ctx, a.ID, Patch{Status: &confirmed}, 0)
	require.NoError(t, err)
	same := a.StartAt
	_, err = booker.Update(f.ctx, a.ID, Patch{StartAt: &same}, 0)
	require.NoError(t, err, "staying in its own full slot is not a move")
	assert.Empty(t, rec.keys)

	later := at(2025, 1, 6, 10, 0)
	_, err = booker.Update(f.ctx, a.ID, Patch{StartAt: &later}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{redisclient.BookingKey(f.clinicID, spec.SpecialtyID)}, rec.keys)

	busy := &busyLocker{}
	booker = NewBooker(BookerDeps{Registry: f.registry, Resolver: f.resolver, Store: f.store, Locker: busy, Log: zerolog.Nop()})
	back := at(2025, 1, 6, 9, 0)
	_, err = booker.Update(f.ctx, a.ID, Patch{StartAt: &back}, 0)
	assert.ErrorIs(t, err, ErrBookingInProgress)
}

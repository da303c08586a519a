package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-agenda/internal/agenda"
)

type fakeRepo struct {
	mu          sync.Mutex
	specialties []agenda.Specialty
	patients    map[uuid.UUID]agenda.Patient
	appts       map[uuid.UUID]*agenda.Appointment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patients: map[uuid.UUID]agenda.Patient{},
		appts:    map[uuid.UUID]*agenda.Appointment{},
	}
}

func (r *fakeRepo) ListSpecialties(context.Context, uuid.UUID) ([]agenda.Specialty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agenda.Specialty(nil), r.specialties...), nil
}

func (r *fakeRepo) GetSpecialty(_ context.Context, _ uuid.UUID, specialtyID uuid.UUID) (*agenda.Specialty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.specialties {
		if s.SpecialtyID == specialtyID {
			s := s
			return &s, nil
		}
	}
	return nil, agenda.ErrSpecialtyNotFound
}

func (r *fakeRepo) CountProfessionalsBySpecialty(context.Context, uuid.UUID) (map[uuid.UUID]int, error) {
	return map[uuid.UUID]int{}, nil
}

func (r *fakeRepo) SearchPatients(context.Context, uuid.UUID, string, int) ([]agenda.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agenda.Patient
	for _, p := range r.patients {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeRepo) GetPatient(_ context.Context, _ uuid.UUID, id uuid.UUID) (*agenda.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, agenda.ErrPatientNotFound
	}
	return &p, nil
}

func (r *fakeRepo) GetAppointment(_ context.Context, clinicID, id uuid.UUID) (*agenda.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.ClinicID != clinicID {
		return nil, agenda.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) ListAppointments(_ context.Context, clinicID uuid.UUID, from, to time.Time, _ *uuid.UUID) ([]agenda.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []agenda.Appointment{}
	for _, a := range r.appts {
		if a.ClinicID == clinicID && !a.StartAt.Before(from) && a.StartAt.Before(to) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateAppointment(_ context.Context, a *agenda.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.appts[a.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateAppointment(_ context.Context, clinicID, id uuid.UUID, fields []agenda.FieldValue, expectedVersion int) (*agenda.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.ClinicID != clinicID {
		return nil, agenda.ErrAppointmentNotFound
	}
	if a.Version != expectedVersion {
		return nil, agenda.ErrVersionConflict
	}
	for _, f := range fields {
		switch f.Column {
		case agenda.ColStatus:
			a.Status = agenda.Status(f.Value.(string))
		case agenda.ColNotes:
			a.Notes = f.Value.(*string)
		case agenda.ColStartAt:
			a.StartAt = f.Value.(time.Time)
		case agenda.ColEndAt:
			a.EndAt = f.Value.(time.Time)
		}
	}
	a.Version++
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) CancelAppointment(_ context.Context, _ uuid.UUID, id uuid.UUID, reasonID *uuid.UUID, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.appts[id]
	a.Status = agenda.StatusCanceled
	a.CancelReasonID = reasonID
	a.Version++
	return nil
}

func (r *fakeRepo) MarkNoShow(_ context.Context, _ uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for _, id := range ids {
		if a, ok := r.appts[id]; ok && (a.Status.Pending() || a.Status == agenda.StatusNoShow) {
			a.Status = agenda.StatusNoShow
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateSeries(context.Context, *agenda.Series) error { return nil }

func (r *fakeRepo) FinishSeries(context.Context, uuid.UUID, uuid.UUID, int, agenda.SeriesStatus) error {
	return nil
}

func (r *fakeRepo) CreateSeriesAtomic(context.Context, *agenda.Series, []*agenda.Appointment) error {
	return errors.New("not used")
}

func (r *fakeRepo) ListStaleSeries(context.Context, time.Time) ([]agenda.Series, error) {
	return nil, nil
}

func (r *fakeRepo) CountSeriesMembers(context.Context, uuid.UUID) (int, error) { return 0, nil }

func (r *fakeRepo) InsertEvent(context.Context, agenda.EventLog) error { return nil }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

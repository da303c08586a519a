package agenda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/tenant"
)

var errStorage = errors.New("storage unavailable")

// memRepo is an in-memory Repository. The fail* hooks inject storage errors.
type memRepo struct {
	mu sync.Mutex

	specialties  map[uuid.UUID][]Specialty
	patients     map[uuid.UUID]Patient
	professional map[uuid.UUID]map[uuid.UUID]int
	appts        map[uuid.UUID]*Appointment
	series       map[uuid.UUID]*Series
	events       []EventLog

	failList     bool
	failCreateAt map[time.Time]bool
	failUpdate   bool
	failNoShow   bool
	failAtomic   bool
	failSpecs    bool
	failFinish   bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		specialties:  map[uuid.UUID][]Specialty{},
		patients:     map[uuid.UUID]Patient{},
		professional: map[uuid.UUID]map[uuid.UUID]int{},
		appts:        map[uuid.UUID]*Appointment{},
		series:       map[uuid.UUID]*Series{},
		failCreateAt: map[time.Time]bool{},
	}
}

func (r *memRepo) addSpecialty(clinicID uuid.UUID, s Specialty) Specialty {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.SpecialtyID == uuid.Nil {
		s.SpecialtyID = uuid.New()
	}
	r.specialties[clinicID] = append(r.specialties[clinicID], s)
	return s
}

func (r *memRepo) addPatient(name string, phone *string) Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := Patient{ID: uuid.New(), Name: name, Phone: phone}
	r.patients[p.ID] = p
	return p
}

// seed stores a ready-made appointment as is.
func (r *memRepo) seed(a Appointment) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	r.appts[a.ID] = &a
	return a
}

func (r *memRepo) get(id uuid.UUID) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.appts[id]
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appts)
}

func (r *memRepo) eventsOf(eventType string) []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventLog
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *memRepo) ListSpecialties(_ context.Context, clinicID uuid.UUID) ([]Specialty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSpecs {
		return nil, errStorage
	}
	return append([]Specialty(nil), r.specialties[clinicID]...), nil
}

func (r *memRepo) GetSpecialty(_ context.Context, clinicID, specialtyID uuid.UUID) (*Specialty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSpecs {
		return nil, errStorage
	}
	for _, s := range r.specialties[clinicID] {
		if s.SpecialtyID == specialtyID {
			s := s
			return &s, nil
		}
	}
	return nil, ErrSpecialtyNotFound
}

func (r *memRepo) CountProfessionalsBySpecialty(_ context.Context, clinicID uuid.UUID) (map[uuid.UUID]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uuid.UUID]int{}
	for k, v := range r.professional[clinicID] {
		out[k] = v
	}
	return out, nil
}

func (r *memRepo) SearchPatients(_ context.Context, _ uuid.UUID, prefix string, limit int) ([]Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Patient
	for _, p := range r.patients {
		if len(out) == limit {
			break
		}
		if len(p.Name) >= len(prefix) && equalFold(p.Name[:len(prefix)], prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) GetPatient(_ context.Context, _ uuid.UUID, patientID uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[patientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *memRepo) GetAppointment(_ context.Context, clinicID, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.ClinicID != clinicID {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListAppointments(_ context.Context, clinicID uuid.UUID, from, to time.Time, professionalID *uuid.UUID) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failList {
		return nil, errStorage
	}
	out := []Appointment{}
	for _, a := range r.appts {
		if a.ClinicID != clinicID || a.StartAt.Before(from) || !a.StartAt.Before(to) {
			continue
		}
		if professionalID != nil && (a.AssignedTo == nil || *a.AssignedTo != *professionalID) {
			continue
		}
		cp := *a
		if a.PatientID != nil {
			if p, ok := r.patients[*a.PatientID]; ok {
				cp.PatientName = p.Name
				cp.PatientPhone = p.Phone
			}
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *memRepo) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreateAt[a.StartAt] {
		return errStorage
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.appts[a.ID] = &cp
	return nil
}

func (r *memRepo) UpdateAppointment(_ context.Context, clinicID, id uuid.UUID, fields []FieldValue, expectedVersion int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate {
		return nil, errStorage
	}
	a, ok := r.appts[id]
	if !ok || a.ClinicID != clinicID {
		return nil, ErrAppointmentNotFound
	}
	if a.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := *a
	for _, f := range fields {
		switch f.Column {
		case ColStartAt:
			next.StartAt = f.Value.(time.Time)
		case ColEndAt:
			next.EndAt = f.Value.(time.Time)
		case ColAssignedTo:
			next.AssignedTo = f.Value.(*uuid.UUID)
		case ColSpecialty:
			id := f.Value.(uuid.UUID)
			next.SpecialtyID = &id
		case ColNotes:
			next.Notes = f.Value.(*string)
		case ColStatus:
			next.Status = Status(f.Value.(string))
		default:
			return nil, fmt.Errorf("column %q is not updatable", f.Column)
		}
	}
	next.Version++
	next.UpdatedAt = time.Now()
	r.appts[id] = &next

	cp := next
	return &cp, nil
}

func (r *memRepo) CancelAppointment(_ context.Context, clinicID, id uuid.UUID, reasonID *uuid.UUID, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.ClinicID != clinicID {
		return ErrAppointmentNotFound
	}
	if a.Version != expectedVersion {
		return ErrVersionConflict
	}
	a.Status = StatusCanceled
	if reasonID != nil {
		a.CancelReasonID = reasonID
	}
	a.Version++
	return nil
}

func (r *memRepo) MarkNoShow(_ context.Context, clinicID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNoShow {
		return nil, errStorage
	}
	var out []uuid.UUID
	for _, id := range ids {
		a, ok := r.appts[id]
		if !ok || a.ClinicID != clinicID {
			continue
		}
		switch {
		case a.Status == StatusNoShow:
			out = append(out, id)
		case a.Status.Pending():
			a.Status = StatusNoShow
			a.Version++
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSeries(_ context.Context, s *Series) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.CreatedAt = time.Now()
	cp := *s
	r.series[s.ID] = &cp
	return nil
}

func (r *memRepo) FinishSeries(_ context.Context, _ uuid.UUID, id uuid.UUID, created int, status SeriesStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFinish {
		return errStorage
	}
	s, ok := r.series[id]
	if !ok {
		return fmt.Errorf("series %s not found", id)
	}
	s.Created = created
	s.Status = status
	return nil
}

func (r *memRepo) CreateSeriesAtomic(_ context.Context, s *Series, members []*Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAtomic {
		return errStorage
	}
	for _, a := range members {
		if r.failCreateAt[a.StartAt] {
			return errStorage
		}
	}
	cp := *s
	r.series[s.ID] = &cp
	for _, a := range members {
		m := *a
		r.appts[a.ID] = &m
	}
	return nil
}

func (r *memRepo) ListStaleSeries(_ context.Context, olderThan time.Time) ([]Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Series
	for _, s := range r.series {
		if s.Status == SeriesPending && s.CreatedAt.Before(olderThan) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRepo) CountSeriesMembers(_ context.Context, seriesID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.appts {
		if a.SeriesID != nil && *a.SeriesID == seriesID {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// fixture wires the agenda services over a memRepo for one clinic.
type fixture struct {
	clinicID uuid.UUID
	ctx      context.Context
	repo     *memRepo
	sched    *Schedule
	store    *Store
	registry *Registry
	resolver *Resolver
	booker   *Booker
	closer   *Closer
}

func newFixture(t *testing.T, opts StoreOptions) *fixture {
	t.Helper()

	sched := testSchedule(t)
	f := &fixture{
		clinicID: uuid.New(),
		repo:     newMemRepo(),
		sched:    sched,
	}
	f.ctx = tenant.WithClinic(context.Background(), f.clinicID)

	log := zerolog.Nop()
	messenger := NewMessenger("55", time.UTC)
	f.store = NewStore(f.repo, sched, log, nil, opts)
	f.registry = NewRegistry(f.repo, log, nil)
	f.resolver = NewResolver(f.store, f.registry)
	f.booker = NewBooker(BookerDeps{
		Registry:       f.registry,
		Resolver:       f.resolver,
		Store:          f.store,
		Messenger:      messenger,
		MaxOccurrences: 60,
		Log:            log,
	})
	f.closer = NewCloser(f.store, nil, messenger, log, nil)
	return f
}

func strPtr(s string) *string { return &s }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

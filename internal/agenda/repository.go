package agenda

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrPatientNotFound         = errors.New("patient not found")
	ErrSpecialtyNotFound       = errors.New("specialty not found")
	ErrSpecialtyNotBookable    = errors.New("specialty is not bookable")
	ErrSlotFull                = errors.New("slot is full for this specialty")
	ErrVersionConflict         = errors.New("appointment was modified concurrently, reload and retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrBookingInProgress       = errors.New("another booking for this specialty is in progress, please retry")
	ErrClosingInProgress       = errors.New("day closing already in progress for this clinic")
)

// Repository contains all DB interactions needed by the scheduling core.
// Every method is scoped to the clinic passed explicitly; callers take it
// from the request context.
type Repository interface {
	// Roster and directory, read-only
	ListSpecialties(ctx context.Context, clinicID uuid.UUID) ([]Specialty, error)
	GetSpecialty(ctx context.Context, clinicID, specialtyID uuid.UUID) (*Specialty, error)
	CountProfessionalsBySpecialty(ctx context.Context, clinicID uuid.UUID) (map[uuid.UUID]int, error)
	SearchPatients(ctx context.Context, clinicID uuid.UUID, prefix string, limit int) ([]Patient, error)
	GetPatient(ctx context.Context, clinicID, patientID uuid.UUID) (*Patient, error)

	// Appointments
	GetAppointment(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, clinicID uuid.UUID, from, to time.Time, professionalID *uuid.UUID) ([]Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, clinicID, id uuid.UUID, fields []FieldValue, expectedVersion int) (*Appointment, error)
	CancelAppointment(ctx context.Context, clinicID, id uuid.UUID, reasonID *uuid.UUID, expectedVersion int) error
	MarkNoShow(ctx context.Context, clinicID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)

	// Booking series
	CreateSeries(ctx context.Context, s *Series) error
	FinishSeries(ctx context.Context, clinicID, id uuid.UUID, created int, status SeriesStatus) error
	CreateSeriesAtomic(ctx context.Context, s *Series, members []*Appointment) error
	ListStaleSeries(ctx context.Context, olderThan time.Time) ([]Series, error)
	CountSeriesMembers(ctx context.Context, seriesID uuid.UUID) (int, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

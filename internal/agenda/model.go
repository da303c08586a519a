package agenda

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxFavorites is the cap on favorite specialties shown first in pickers.
const MaxFavorites = 4

// Specialty is a bookable service configured for one clinic.
type Specialty struct {
	ID          uuid.UUID // clinic_specialties row
	SpecialtyID uuid.UUID // global catalog entry, referenced by appointments
	Name        string    // catalog name
	CustomName  *string   // clinic-local override
	Capacity    int       // max simultaneous bookings per slot, 0 disables booking
	Favorite    bool
}

func (s Specialty) DisplayName() string {
	if s.CustomName != nil && strings.TrimSpace(*s.CustomName) != "" {
		return *s.CustomName
	}
	return s.Name
}

func (s Specialty) Bookable() bool {
	return s.Capacity > 0
}

// Patient is the minimal identity the patient directory hands out.
type Patient struct {
	ID    uuid.UUID
	Name  string
	Phone *string
}

// FirstName is used to address the patient in outbound messages.
func (p Patient) FirstName() string {
	fields := strings.Fields(p.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type Appointment struct {
	ID             uuid.UUID
	ClinicID       uuid.UUID
	PatientID      *uuid.UUID
	AssignedTo     *uuid.UUID // nil means pool: any available professional
	SpecialtyID    *uuid.UUID
	SeriesID       *uuid.UUID
	StartAt        time.Time
	EndAt          time.Time
	Status         Status
	Notes          *string
	CancelReasonID *uuid.UUID
	IsException    bool
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Joined from the patient directory on list queries.
	PatientName  string
	PatientPhone *string
}

// NewAppointment is the create payload. EndAt is not part of it: the store
// always derives it from StartAt and the session duration.
type NewAppointment struct {
	PatientID   uuid.UUID
	SpecialtyID uuid.UUID
	AssignedTo  *uuid.UUID
	StartAt     time.Time
	Notes       *string
	IsException bool
}

type SeriesStatus string

const (
	SeriesPending  SeriesStatus = "pending"
	SeriesComplete SeriesStatus = "complete"
	SeriesPartial  SeriesStatus = "partial"
	SeriesFailed   SeriesStatus = "failed"
)

// Series is the batch-intent record written before the members of a
// recurring booking.
type Series struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Expected  int
	Created   int
	Status    SeriesStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SeriesStatusFor is the final status of a series given how many of the
// expected members were persisted.
func SeriesStatusFor(expected, created int) SeriesStatus {
	switch {
	case created == 0:
		return SeriesFailed
	case created < expected:
		return SeriesPartial
	default:
		return SeriesComplete
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	ClinicID      *uuid.UUID
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

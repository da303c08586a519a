package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-agenda/internal/agenda"
)

type PreviewSlotsRequest struct {
	StartDate   string `json:"start_date" validate:"required,datetime=2006-01-02"`
	StartTime   string `json:"start_time" validate:"required,datetime=15:04"`
	IsRecurrent bool   `json:"is_recurrent"`
	Count       int    `json:"count" validate:"gte=0"`
	Frequency   string `json:"frequency" validate:"omitempty,oneof=daily alternate weekly"`
}

type SlotRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	Time string `json:"time" validate:"required,datetime=15:04"`
}

type CreateBookingRequest struct {
	PatientID   string        `json:"patient_id" validate:"required,uuid"`
	SpecialtyID string        `json:"specialty_id" validate:"required,uuid"`
	AssignedTo  *string       `json:"assigned_to_profile_id" validate:"omitempty,uuid"`
	Notes       *string       `json:"notes" validate:"omitempty,max=2000"`
	Slots       []SlotRequest `json:"slots" validate:"required,min=1,dive"`
}

type CancelRequest struct {
	ReasonID *string `json:"reason_id" validate:"omitempty,uuid"`
}

type CloseDayRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	// NoShowIDs replaces the default selection of every pending appointment.
	// Omit it to mark them all, send [] to close without marking anyone.
	NoShowIDs *[]string `json:"no_show_ids" validate:"omitempty,dive,uuid"`
}

type SlotResponse struct {
	Key  int    `json:"key"`
	Date string `json:"date"`
	Time string `json:"time"`
}

type SpecialtyResponse struct {
	ID          uuid.UUID `json:"id"`
	SpecialtyID uuid.UUID `json:"specialty_id"`
	Name        string    `json:"name"`
	Capacity    int       `json:"capacity"`
	Favorite    bool      `json:"favorite"`
}

type SpecialtiesResponse struct {
	Specialties []SpecialtyResponse `json:"specialties"`
	Favorites   []SpecialtyResponse `json:"favorites"`
}

type PatientResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone *string   `json:"phone,omitempty"`
}

type AppointmentResponse struct {
	ID             uuid.UUID  `json:"id"`
	PatientID      *uuid.UUID `json:"patient_id"`
	PatientName    string     `json:"patient_name,omitempty"`
	AssignedTo     *uuid.UUID `json:"assigned_to_profile_id"`
	SpecialtyID    *uuid.UUID `json:"specialty_id"`
	SeriesID       *uuid.UUID `json:"series_id,omitempty"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          time.Time  `json:"end_at"`
	Status         string     `json:"status"`
	Notes          *string    `json:"notes,omitempty"`
	CancelReasonID *uuid.UUID `json:"cancel_reason_id,omitempty"`
	IsException    bool       `json:"is_exception"`
	Version        int        `json:"version"`
}

type SlotFailureResponse struct {
	StartAt time.Time `json:"start_at"`
	Error   string    `json:"error"`
}

type BookingResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Failed       []SlotFailureResponse `json:"failed,omitempty"`
	SeriesID     *uuid.UUID            `json:"series_id,omitempty"`
	Requested    int                   `json:"requested"`
	Created      int                   `json:"created"`
	Message      string                `json:"message,omitempty"`
	ContactLink  string                `json:"contact_link,omitempty"`
}

type UpdateResponse struct {
	Appointment   AppointmentResponse `json:"appointment"`
	DroppedFields []string            `json:"dropped_fields,omitempty"`
}

type AbsenteeResponse struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	PatientID     *uuid.UUID `json:"patient_id"`
	PatientName   string     `json:"patient_name"`
	StartAt       time.Time  `json:"start_at"`
	Message       string     `json:"message"`
	ContactLink   string     `json:"contact_link,omitempty"`
}

type ClosingResponse struct {
	State        string                `json:"state"`
	Date         string                `json:"date"`
	Attended     int                   `json:"attended"`
	Canceled     int                   `json:"canceled"`
	Pending      int                   `json:"pending"`
	NoShow       int                   `json:"no_show"`
	Total        int                   `json:"total"`
	PendingItems []AppointmentResponse `json:"pending_items"`
	Absentees    []AbsenteeResponse    `json:"absentees,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toSlotResponses(slots []agenda.GeneratedSlot) []SlotResponse {
	out := make([]SlotResponse, len(slots))
	for i, s := range slots {
		out[i] = SlotResponse{Key: s.Key, Date: s.DateString(), Time: s.Time.String()}
	}
	return out
}

func toSpecialtyResponses(list []agenda.Specialty) []SpecialtyResponse {
	out := make([]SpecialtyResponse, len(list))
	for i, s := range list {
		out[i] = SpecialtyResponse{
			ID:          s.ID,
			SpecialtyID: s.SpecialtyID,
			Name:        s.DisplayName(),
			Capacity:    s.Capacity,
			Favorite:    s.Favorite,
		}
	}
	return out
}

func toAppointmentResponse(a agenda.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		PatientName:    a.PatientName,
		AssignedTo:     a.AssignedTo,
		SpecialtyID:    a.SpecialtyID,
		SeriesID:       a.SeriesID,
		StartAt:        a.StartAt,
		EndAt:          a.EndAt,
		Status:         string(a.Status),
		Notes:          a.Notes,
		CancelReasonID: a.CancelReasonID,
		IsException:    a.IsException,
		Version:        a.Version,
	}
}

func toAppointmentResponses(list []agenda.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, len(list))
	for i, a := range list {
		out[i] = toAppointmentResponse(a)
	}
	return out
}

func toClosingResponse(s *agenda.ClosingSession) ClosingResponse {
	snap := s.Snapshot()
	resp := ClosingResponse{
		State:        string(s.State()),
		Date:         snap.Day.Format(time.DateOnly),
		Attended:     snap.Attended,
		Canceled:     snap.Canceled,
		Pending:      snap.Pending,
		NoShow:       snap.NoShow,
		Total:        snap.Total,
		PendingItems: toAppointmentResponses(snap.PendingItems),
	}
	for _, ab := range s.Absentees() {
		resp.Absentees = append(resp.Absentees, AbsenteeResponse{
			AppointmentID: ab.AppointmentID,
			PatientID:     ab.PatientID,
			PatientName:   ab.PatientName,
			StartAt:       ab.StartAt,
			Message:       ab.Message,
			ContactLink:   ab.ContactLink,
		})
	}
	return resp
}

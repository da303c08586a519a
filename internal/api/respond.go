package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/tenant"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError maps agenda errors to HTTP. Unknown errors are logged and
// reported only by the action that failed.
func writeDomainError(w http.ResponseWriter, r *http.Request, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, tenant.ErrMissingClinic):
		writeError(w, http.StatusBadRequest, "missing_clinic", err.Error())
	case errors.Is(err, agenda.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, agenda.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, agenda.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, agenda.ErrSpecialtyNotFound):
		writeError(w, http.StatusNotFound, "specialty_not_found", err.Error())
	case errors.Is(err, agenda.ErrSpecialtyNotBookable):
		writeError(w, http.StatusConflict, "specialty_not_bookable", err.Error())
	case errors.Is(err, agenda.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, agenda.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, agenda.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, agenda.ErrBookingInProgress):
		writeError(w, http.StatusConflict, "booking_in_progress", err.Error())
	case errors.Is(err, agenda.ErrClosingInProgress):
		writeError(w, http.StatusConflict, "closing_in_progress", err.Error())
	default:
		log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", failedAction(r))
	}
}

func failedAction(r *http.Request) string {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/closing":
		return "failed to close the day"
	case r.Method == http.MethodGet:
		return "failed to load"
	default:
		return "failed to save"
	}
}

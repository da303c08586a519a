package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
)

type Handlers struct {
	booker   *agenda.Booker
	store    *agenda.Store
	registry *agenda.Registry
	resolver *agenda.Resolver
	closer   *agenda.Closer
	sched    *agenda.Schedule
	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandlers(cfg RouterConfig) *Handlers {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &Handlers{
		booker:   cfg.Booker,
		store:    cfg.Store,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		closer:   cfg.Closer,
		sched:    cfg.Store.Schedule(),
		validate: v,
		log:      cfg.Logger,
	}
}

// decode reads a JSON body into dst and runs the struct validation. An empty
// body is accepted when allowEmpty is set.
func (h *Handlers) decode(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%w: could not parse JSON body", agenda.ErrValidation)
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", agenda.ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", agenda.ErrValidation, err)
	}
	return nil
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeDomainError(w, r, h.log, err)
}

func parseUUIDParam(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid UUID", agenda.ErrValidation, name)
	}
	return id, nil
}

func parseOptionalUUID(raw *string, name string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := parseUUIDParam(*raw, name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Registry

func (h *Handlers) listSpecialties(w http.ResponseWriter, r *http.Request) {
	list := h.registry.ListBookable(r.Context())
	writeJSON(w, http.StatusOK, SpecialtiesResponse{
		Specialties: toSpecialtyResponses(list),
		Favorites:   toSpecialtyResponses(agenda.Favorites(list)),
	})
}

func (h *Handlers) professionalCounts(w http.ResponseWriter, r *http.Request) {
	counts := h.registry.ProfessionalCountBySpecialty(r.Context())
	out := make(map[string]int, len(counts))
	for id, n := range counts {
		out[id.String()] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) searchPatients(w http.ResponseWriter, r *http.Request) {
	patients := h.registry.SearchPatients(r.Context(), r.URL.Query().Get("q"))
	out := make([]PatientResponse, len(patients))
	for i, p := range patients {
		out[i] = PatientResponse{ID: p.ID, Name: p.Name, Phone: p.Phone}
	}
	writeJSON(w, http.StatusOK, out)
}

// Slots and occupancy

func (h *Handlers) previewSlots(w http.ResponseWriter, r *http.Request) {
	var req PreviewSlotsRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	day, err := h.sched.ParseDate(req.StartDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	start, err := agenda.ParseTimeOfDay(req.StartTime)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	slots, err := h.booker.Preview(agenda.PreviewRequest{
		StartDate:   day,
		StartTime:   start,
		IsRecurrent: req.IsRecurrent,
		Count:       req.Count,
		Frequency:   agenda.Frequency(req.Frequency),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

func (h *Handlers) occupancy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day, err := h.sched.ParseDate(q.Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if q.Get("specialty_id") == "" {
		writeJSON(w, http.StatusOK, h.resolver.Board(r.Context(), day))
		return
	}

	specialtyID, err := parseUUIDParam(q.Get("specialty_id"), "specialty_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var slot *agenda.TimeOfDay
	if raw := q.Get("time"); raw != "" {
		t, err := agenda.ParseTimeOfDay(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		slot = &t
	}

	occ, err := h.resolver.Occupancy(r.Context(), specialtyID, day, slot)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// Appointments

func (h *Handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day, err := h.sched.ParseDate(q.Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	raw := q.Get("professional_id")
	professionalID, err := parseOptionalUUID(&raw, "professional_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponses(h.store.List(r.Context(), day, professionalID)))
}

func (h *Handlers) createBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}

	patientID, err := parseUUIDParam(req.PatientID, "patient_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	specialtyID, err := parseUUIDParam(req.SpecialtyID, "specialty_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	assignedTo, err := parseOptionalUUID(req.AssignedTo, "assigned_to_profile_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	slots := make([]agenda.GeneratedSlot, len(req.Slots))
	for i, s := range req.Slots {
		day, err := h.sched.ParseDate(s.Date)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		t, err := agenda.ParseTimeOfDay(s.Time)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		slots[i] = agenda.GeneratedSlot{Key: i + 1, Date: day, Time: t}
	}

	res, err := h.booker.Book(r.Context(), agenda.BookingRequest{
		PatientID:   patientID,
		SpecialtyID: specialtyID,
		AssignedTo:  assignedTo,
		Notes:       req.Notes,
		Slots:       slots,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := BookingResponse{
		Appointments: toAppointmentResponses(res.Appointments),
		SeriesID:     res.SeriesID,
		Requested:    res.Requested,
		Created:      len(res.Appointments),
		Message:      res.Message,
		ContactLink:  res.ContactLink,
	}
	for _, f := range res.Failed {
		h.log.Error().Err(f.Err).
			Str("request_id", GetRequestID(r.Context())).
			Time("start_at", f.StartAt).
			Msg("booking slot failed")
		resp.Failed = append(resp.Failed, SlotFailureResponse{StartAt: f.StartAt, Error: "failed to save"})
	}

	status := http.StatusCreated
	if len(resp.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// ifMatchVersion reads the expected version from If-Match. A missing header
// means no check.
func ifMatchVersion(r *http.Request) (int, error) {
	raw := strings.Trim(strings.TrimPrefix(r.Header.Get("If-Match"), "W/"), `"`)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: If-Match must carry the appointment version", agenda.ErrValidation)
	}
	return v, nil
}

func (h *Handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	version, err := ifMatchVersion(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.fail(w, r, fmt.Errorf("%w: could not parse JSON body", agenda.ErrValidation))
		return
	}
	patch, dropped, err := agenda.DecodePatch(raw)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(dropped) > 0 {
		h.log.Warn().
			Str("request_id", GetRequestID(r.Context())).
			Strs("fields", dropped).
			Msg("dropped non-updatable fields from patch")
	}

	appt, err := h.booker.Update(r.Context(), id, patch, version)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(appt.Version)))
	writeJSON(w, http.StatusOK, UpdateResponse{
		Appointment:   toAppointmentResponse(*appt),
		DroppedFields: dropped,
	})
}

func (h *Handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req CancelRequest
	if err := h.decode(r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	reasonID, err := parseOptionalUUID(req.ReasonID, "reason_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.store.Cancel(r.Context(), id, reasonID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Day closing

func (h *Handlers) reviewDay(w http.ResponseWriter, r *http.Request) {
	day, err := h.sched.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.closer.Open(r.Context(), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClosingResponse(session))
}

func (h *Handlers) closeDay(w http.ResponseWriter, r *http.Request) {
	var req CloseDayRequest
	if err := h.decode(r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	day, err := h.sched.ParseDate(req.Date)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.closer.Open(r.Context(), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if req.NoShowIDs != nil {
		ids := make([]uuid.UUID, 0, len(*req.NoShowIDs))
		for _, raw := range *req.NoShowIDs {
			id, err := parseUUIDParam(raw, "no_show_ids")
			if err != nil {
				h.fail(w, r, err)
				return
			}
			ids = append(ids, id)
		}
		if err := session.SelectOnly(ids); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	if err := session.Confirm(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClosingResponse(session))
}

package agenda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-agenda/internal/metrics"
	"github.com/hackgods/clinic-agenda/internal/tenant"
)

const (
	EventAppointmentCreated  = "APPOINTMENT_CREATED"
	EventAppointmentUpdated  = "APPOINTMENT_UPDATED"
	EventAppointmentCanceled = "APPOINTMENT_CANCELED"
	EventAppointmentNoShow   = "APPOINTMENT_NO_SHOW"
	EventSeriesFinished      = "SERIES_FINISHED"
)

type StoreOptions struct {
	// AtomicSeries inserts all members of a series in one transaction.
	AtomicSeries bool
	// Concurrency bounds parallel creates of a non-atomic series.
	Concurrency int
}

// Store is the only writer of appointment records.
type Store struct {
	repo    Repository
	sched   *Schedule
	log     zerolog.Logger
	metrics *metrics.Metrics
	opts    StoreOptions
}

func NewStore(repo Repository, sched *Schedule, log zerolog.Logger, m *metrics.Metrics, opts StoreOptions) *Store {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Store{repo: repo, sched: sched, log: log, metrics: m, opts: opts}
}

func (s *Store) Schedule() *Schedule { return s.sched }

func (s *Store) newRecord(clinicID uuid.UUID, in NewAppointment, seriesID *uuid.UUID) (*Appointment, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if in.SpecialtyID == uuid.Nil {
		return nil, fmt.Errorf("%w: specialty_id is required", ErrValidation)
	}
	if in.StartAt.IsZero() {
		return nil, fmt.Errorf("%w: start_at is required", ErrValidation)
	}

	patientID, specialtyID := in.PatientID, in.SpecialtyID
	return &Appointment{
		ID:          uuid.New(),
		ClinicID:    clinicID,
		PatientID:   &patientID,
		SpecialtyID: &specialtyID,
		AssignedTo:  in.AssignedTo,
		SeriesID:    seriesID,
		StartAt:     in.StartAt,
		EndAt:       s.sched.EndFor(in.StartAt),
		Status:      StatusScheduled,
		Notes:       in.Notes,
		IsException: in.IsException,
		Version:     1,
	}, nil
}

// Create persists a single appointment in status scheduled.
func (s *Store) Create(ctx context.Context, in NewAppointment) (*Appointment, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}

	appt, err := s.newRecord(clinicID, in, nil)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		s.metrics.Bookings.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	s.metrics.Bookings.WithLabelValues("created").Inc()

	s.logEvent(ctx, clinicID, appt.ID, EventAppointmentCreated, map[string]any{
		"start_at":     appt.StartAt,
		"specialty_id": appt.SpecialtyID.String(),
	})
	return appt, nil
}

type SlotFailure struct {
	StartAt time.Time
	Err     error
}

type SeriesResult struct {
	Series  Series
	Created []Appointment
	Failed  []SlotFailure
}

// Requested is the number of appointments the caller asked for.
func (r *SeriesResult) Requested() int { return len(r.Created) + len(r.Failed) }

// Complete is true when every requested appointment was persisted.
func (r *SeriesResult) Complete() bool { return len(r.Failed) == 0 }

// CreateSeries books several related appointments. A series record is
// written first and every member references it, so a partial outcome stays
// discoverable. In non-atomic mode members are inserted concurrently and a
// failure leaves earlier successes in place; the result reports both sides.
// In atomic mode members are inserted in one transaction.
func (s *Store) CreateSeries(ctx context.Context, items []NewAppointment) (*SeriesResult, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", ErrValidation)
	}

	series := Series{
		ID:       uuid.New(),
		ClinicID: clinicID,
		Expected: len(items),
		Status:   SeriesPending,
	}

	members := make([]*Appointment, len(items))
	for i, in := range items {
		rec, err := s.newRecord(clinicID, in, &series.ID)
		if err != nil {
			return nil, err
		}
		members[i] = rec
	}

	if s.opts.AtomicSeries {
		return s.createAtomic(ctx, series, members)
	}

	if err := s.repo.CreateSeries(ctx, &series); err != nil {
		return nil, fmt.Errorf("create booking series: %w", err)
	}

	var (
		mu     sync.Mutex
		result = &SeriesResult{}
		g      errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)

	for _, rec := range members {
		g.Go(func() error {
			err := s.repo.CreateAppointment(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, SlotFailure{StartAt: rec.StartAt, Err: err})
				return nil
			}
			result.Created = append(result.Created, *rec)
			return nil
		})
	}
	// members record their own failure and never fail the group
	g.Wait()

	sortByStart(result.Created)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].StartAt.Before(result.Failed[j].StartAt) })

	series.Created = len(result.Created)
	series.Status = SeriesStatusFor(series.Expected, series.Created)
	if err := s.repo.FinishSeries(ctx, clinicID, series.ID, series.Created, series.Status); err != nil {
		// the sweeper finds series left pending
		s.log.Error().Err(err).Str("series_id", series.ID.String()).Msg("failed to finalize booking series")
	}
	result.Series = series

	s.recordSeries(ctx, result)

	if len(result.Created) == 0 {
		return result, fmt.Errorf("create booking series: %w", result.Failed[0].Err)
	}
	return result, nil
}

func (s *Store) createAtomic(ctx context.Context, series Series, members []*Appointment) (*SeriesResult, error) {
	series.Created = len(members)
	series.Status = SeriesComplete

	if err := s.repo.CreateSeriesAtomic(ctx, &series, members); err != nil {
		s.metrics.Bookings.WithLabelValues("failed").Add(float64(len(members)))
		s.metrics.SeriesOutcomes.WithLabelValues(string(SeriesFailed)).Inc()
		return nil, fmt.Errorf("create booking series: %w", err)
	}

	result := &SeriesResult{Series: series}
	for _, m := range members {
		result.Created = append(result.Created, *m)
	}
	sortByStart(result.Created)

	s.recordSeries(ctx, result)
	return result, nil
}

func (s *Store) recordSeries(ctx context.Context, result *SeriesResult) {
	s.metrics.Bookings.WithLabelValues("created").Add(float64(len(result.Created)))
	if len(result.Failed) > 0 {
		s.metrics.Bookings.WithLabelValues("failed").Add(float64(len(result.Failed)))
	}
	s.metrics.SeriesOutcomes.WithLabelValues(string(result.Series.Status)).Inc()

	for _, a := range result.Created {
		s.logEvent(ctx, a.ClinicID, a.ID, EventAppointmentCreated, map[string]any{
			"start_at":  a.StartAt,
			"series_id": result.Series.ID.String(),
		})
	}
	if len(result.Failed) > 0 {
		s.log.Warn().
			Str("series_id", result.Series.ID.String()).
			Int("created", len(result.Created)).
			Int("requested", result.Requested()).
			Msg("booking series partially persisted")
	}
}

// Get loads one appointment of the clinic in ctx.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	appt, err := s.repo.GetAppointment(ctx, clinicID, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

// Update applies a whitelisted patch. expectedVersion guards against
// concurrent edits; zero skips the check.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p Patch, expectedVersion int) (*Appointment, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if p.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	current, err := s.repo.GetAppointment(ctx, clinicID, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if expectedVersion > 0 && current.Version != expectedVersion {
		s.metrics.UpdateConflicts.Inc()
		return nil, ErrVersionConflict
	}
	if p.Status != nil && !CanTransition(current.Status, *p.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, *p.Status)
	}

	updated, err := s.repo.UpdateAppointment(ctx, clinicID, id, p.Fields(s.sched), current.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.UpdateConflicts.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	s.logEvent(ctx, clinicID, id, EventAppointmentUpdated, map[string]any{
		"version": updated.Version,
		"status":  updated.Status,
	})
	return updated, nil
}

// Cancel moves an appointment to canceled, keeping the record.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID, reasonID *uuid.UUID) error {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return err
	}

	current, err := s.repo.GetAppointment(ctx, clinicID, id)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if current.Status == StatusCanceled {
		return nil
	}
	if !CanTransition(current.Status, StatusCanceled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, StatusCanceled)
	}

	if err := s.repo.CancelAppointment(ctx, clinicID, id, reasonID, current.Version); err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}

	payload := map[string]any{}
	if reasonID != nil {
		payload["reason_id"] = reasonID.String()
	}
	s.logEvent(ctx, clinicID, id, EventAppointmentCanceled, payload)
	return nil
}

// List returns the clinic-day's appointments ordered by start. A read
// failure is logged and yields an empty day.
func (s *Store) List(ctx context.Context, day time.Time, professionalID *uuid.UUID) []Appointment {
	appts, err := s.ListStrict(ctx, day, professionalID)
	if err != nil {
		s.metrics.ReadFailures.WithLabelValues("list_appointments").Inc()
		s.log.Error().Err(err).Str("day", day.Format(time.DateOnly)).Msg("list appointments failed, returning empty day")
		return []Appointment{}
	}
	return appts
}

// ListStrict is List without the empty fallback, for callers that must not
// act on a day they could not read.
func (s *Store) ListStrict(ctx context.Context, day time.Time, professionalID *uuid.UUID) ([]Appointment, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}

	from, to := s.sched.DayBounds(day)
	appts, err := s.repo.ListAppointments(ctx, clinicID, from, to, professionalID)
	if err != nil {
		return nil, err
	}
	sortByStart(appts)
	return appts, nil
}

// MarkNoShow moves the given pending appointments to no_show in one batch.
// Ids already in no_show are reported as marked without being rewritten.
func (s *Store) MarkNoShow(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	marked, err := s.repo.MarkNoShow(ctx, clinicID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark no-show: %w", err)
	}

	s.metrics.NoShowsMarked.Add(float64(len(marked)))
	for _, id := range marked {
		s.logEvent(ctx, clinicID, id, EventAppointmentNoShow, map[string]any{})
	}
	return marked, nil
}

// SweepSeries finalizes series still pending after olderThan, which happens
// when the process died between creating members and finishing the series.
// It returns how many series it finalized.
func (s *Store) SweepSeries(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := s.repo.ListStaleSeries(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list stale series: %w", err)
	}

	swept := 0
	for _, series := range stale {
		created, err := s.repo.CountSeriesMembers(ctx, series.ID)
		if err != nil {
			s.log.Error().Err(err).Str("series_id", series.ID.String()).Msg("count series members")
			continue
		}

		status := SeriesStatusFor(series.Expected, created)
		if err := s.repo.FinishSeries(ctx, series.ClinicID, series.ID, created, status); err != nil {
			s.log.Error().Err(err).Str("series_id", series.ID.String()).Msg("finalize stale series")
			continue
		}
		swept++
		s.metrics.SeriesOutcomes.WithLabelValues(string(status)).Inc()

		clinicID := series.ClinicID
		s.insertEvent(ctx, EventLog{
			EventType: EventSeriesFinished,
			ClinicID:  &clinicID,
			Payload:   mustJSON(map[string]any{"series_id": series.ID.String(), "created": created, "expected": series.Expected, "status": status, "reason": "sweeper"}),
			CreatedAt: time.Now(),
		})
	}
	return swept, nil
}

func (s *Store) logEvent(ctx context.Context, clinicID, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	apptID := appointmentID
	s.insertEvent(ctx, EventLog{
		EventType:     eventType,
		ClinicID:      &clinicID,
		AppointmentID: &apptID,
		Payload:       mustJSON(payload),
		CreatedAt:     time.Now(),
	})
}

func (s *Store) insertEvent(ctx context.Context, ev EventLog) {
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_type", ev.EventType).Msg("failed to insert event log")
	}
}

func mustJSON(payload map[string]any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func sortByStart(appts []Appointment) {
	sort.SliceStable(appts, func(i, j int) bool { return appts[i].StartAt.Before(appts[j].StartAt) })
}

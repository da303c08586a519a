package agenda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/metrics"
	redisclient "github.com/hackgods/clinic-agenda/internal/redis"
	"github.com/hackgods/clinic-agenda/internal/tenant"
)

type ClosingState string

const (
	ClosingReviewing ClosingState = "reviewing"
	ClosingClosed    ClosingState = "closed"
)

// Snapshot partitions one clinic-day. Every appointment lands in exactly one
// bucket, so the four counts add up to Total.
type Snapshot struct {
	Day          time.Time
	Attended     int
	Canceled     int
	Pending      int
	NoShow       int
	Total        int
	PendingItems []Appointment
}

// BuildSnapshot partitions appts. Realized statuses count as attended,
// scheduled and confirmed as pending, canceled and no_show as themselves.
func BuildSnapshot(day time.Time, appts []Appointment) Snapshot {
	snap := Snapshot{Day: day, Total: len(appts)}
	for _, a := range appts {
		switch {
		case a.Status.Realized():
			snap.Attended++
		case a.Status == StatusCanceled:
			snap.Canceled++
		case a.Status == StatusNoShow:
			snap.NoShow++
		default:
			snap.Pending++
			snap.PendingItems = append(snap.PendingItems, a)
		}
	}
	return snap
}

type Absentee struct {
	AppointmentID uuid.UUID
	PatientID     *uuid.UUID
	PatientName   string
	Phone         *string
	StartAt       time.Time
	Message       string
	ContactLink   string
}

// Closer opens day-closing sessions.
type Closer struct {
	store     *Store
	locker    redisclient.Locker
	messenger *Messenger
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewCloser(store *Store, locker redisclient.Locker, messenger *Messenger, log zerolog.Logger, m *metrics.Metrics) *Closer {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Closer{store: store, locker: locker, messenger: messenger, log: log, metrics: m}
}

// Open starts a fresh session in Reviewing with every pending appointment
// selected. Nothing carries over from earlier sessions.
func (c *Closer) Open(ctx context.Context, day time.Time) (*ClosingSession, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}

	from, _ := c.store.Schedule().DayBounds(day)
	appts := c.store.List(ctx, from, nil)
	snap := BuildSnapshot(from, appts)

	selected := make(map[uuid.UUID]bool, len(snap.PendingItems))
	for _, a := range snap.PendingItems {
		selected[a.ID] = true
	}

	return &ClosingSession{
		closer:   c,
		clinicID: clinicID,
		state:    ClosingReviewing,
		snapshot: snap,
		selected: selected,
	}, nil
}

// ClosingSession is one run of the day-closing workflow. It is not safe for
// concurrent use; each operator action drives it to completion.
type ClosingSession struct {
	closer    *Closer
	clinicID  uuid.UUID
	state     ClosingState
	snapshot  Snapshot
	selected  map[uuid.UUID]bool
	absentees []Absentee
}

func (s *ClosingSession) State() ClosingState { return s.state }

func (s *ClosingSession) Snapshot() Snapshot { return s.snapshot }

// Select marks a pending appointment for no-show. Ids that are not pending
// on this day are refused.
func (s *ClosingSession) Select(id uuid.UUID) error {
	if s.state != ClosingReviewing {
		return fmt.Errorf("%w: session already closed", ErrValidation)
	}
	if _, ok := s.selected[id]; !ok {
		return fmt.Errorf("%w: appointment %s is not pending on this day", ErrValidation, id)
	}
	s.selected[id] = true
	return nil
}

func (s *ClosingSession) Deselect(id uuid.UUID) error {
	if s.state != ClosingReviewing {
		return fmt.Errorf("%w: session already closed", ErrValidation)
	}
	if _, ok := s.selected[id]; !ok {
		return fmt.Errorf("%w: appointment %s is not pending on this day", ErrValidation, id)
	}
	s.selected[id] = false
	return nil
}

// SelectOnly replaces the selection with ids.
func (s *ClosingSession) SelectOnly(ids []uuid.UUID) error {
	if s.state != ClosingReviewing {
		return fmt.Errorf("%w: session already closed", ErrValidation)
	}
	for _, id := range ids {
		if _, ok := s.selected[id]; !ok {
			return fmt.Errorf("%w: appointment %s is not pending on this day", ErrValidation, id)
		}
	}
	for id := range s.selected {
		s.selected[id] = false
	}
	for _, id := range ids {
		s.selected[id] = true
	}
	return nil
}

// Selected lists the chosen ids in appointment order.
func (s *ClosingSession) Selected() []uuid.UUID {
	var out []uuid.UUID
	for _, a := range s.snapshot.PendingItems {
		if s.selected[a.ID] {
			out = append(out, a.ID)
		}
	}
	return out
}

// Confirm applies no_show to the selection in one batch and moves to
// Closed. An empty selection closes without writing. On failure the session
// stays in Reviewing so the operator can retry.
func (s *ClosingSession) Confirm(ctx context.Context) error {
	if s.state == ClosingClosed {
		return nil
	}

	ids := s.Selected()
	if len(ids) == 0 {
		s.close(nil)
		return nil
	}

	c := s.closer
	ctx = tenant.WithClinic(ctx, s.clinicID)

	var marked []uuid.UUID
	err := c.locker.WithLock(ctx, redisclient.ClosingKey(s.clinicID, s.snapshot.Day), func(lockCtx context.Context) error {
		var err error
		marked, err = c.store.MarkNoShow(lockCtx, ids)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrClosingInProgress
		}
		c.log.Error().Err(err).Str("clinic_id", s.clinicID.String()).Msg("failed to close the day")
		return fmt.Errorf("close day: %w", err)
	}

	s.close(marked)
	c.log.Info().
		Str("clinic_id", s.clinicID.String()).
		Str("day", s.snapshot.Day.Format(time.DateOnly)).
		Int("no_shows", len(marked)).
		Msg("day closed")
	return nil
}

func (s *ClosingSession) close(marked []uuid.UUID) {
	isMarked := make(map[uuid.UUID]bool, len(marked))
	for _, id := range marked {
		isMarked[id] = true
	}

	s.absentees = nil
	for _, a := range s.snapshot.PendingItems {
		if !isMarked[a.ID] {
			continue
		}
		ab := Absentee{
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			PatientName:   a.PatientName,
			Phone:         a.PatientPhone,
			StartAt:       a.StartAt,
		}
		if m := s.closer.messenger; m != nil {
			ab.Message = m.Recovery(Patient{Name: a.PatientName}.FirstName(), a.StartAt)
			if a.PatientPhone != nil {
				ab.ContactLink = m.Link(*a.PatientPhone, ab.Message)
			}
		}
		s.absentees = append(s.absentees, ab)
	}

	s.state = ClosingClosed
	s.closer.metrics.DaysClosed.Inc()
}

// Absentees is the recovery list; empty until the session is Closed.
func (s *ClosingSession) Absentees() []Absentee {
	out := make([]Absentee, len(s.absentees))
	copy(out, s.absentees)
	return out
}

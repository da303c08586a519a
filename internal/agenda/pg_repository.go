package agenda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const specialtyCols = `cs.id, cs.specialty_id, sc.name, cs.custom_name, cs.capacity, cs.favorite`

const specialtyFrom = `
	FROM clinic_specialties cs
	JOIN specialty_catalog sc ON sc.id = cs.specialty_id`

func scanSpecialty(row pgx.Row) (*Specialty, error) {
	var s Specialty
	err := row.Scan(&s.ID, &s.SpecialtyID, &s.Name, &s.CustomName, &s.Capacity, &s.Favorite)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

// apptCols expects the appointment aliased as a and patients as p.
const apptCols = `a.id, a.clinic_id, a.patient_id, a.assigned_to_profile_id, a.specialty_id, a.series_id,
	a.start_at, a.end_at, a.status, a.notes, a.cancel_reason_id, a.is_exception, a.version,
	a.created_at, a.updated_at, COALESCE(p.name, ''), p.phone`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.AssignedTo,
		&a.SpecialtyID,
		&a.SeriesID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&a.Notes,
		&a.CancelReasonID,
		&a.IsException,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.PatientName,
		&a.PatientPhone,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.ClinicID, &s.Expected, &s.Created, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// escapeLike makes user input literal inside a LIKE pattern.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Roster and directory

func (r *PgRepository) ListSpecialties(ctx context.Context, clinicID uuid.UUID) ([]Specialty, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+specialtyCols+specialtyFrom+`
		WHERE cs.clinic_id = $1`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Specialty
	for rows.Next() {
		s, err := scanSpecialty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PgRepository) GetSpecialty(ctx context.Context, clinicID, specialtyID uuid.UUID) (*Specialty, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+specialtyCols+specialtyFrom+`
		WHERE cs.clinic_id = $1 AND cs.specialty_id = $2`, clinicID, specialtyID)
	return scanSpecialty(row)
}

func (r *PgRepository) CountProfessionalsBySpecialty(ctx context.Context, clinicID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT specialty_id, COUNT(*)
		FROM professionals
		WHERE clinic_id = $1 AND active AND specialty_id IS NOT NULL
		GROUP BY specialty_id
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r *PgRepository) SearchPatients(ctx context.Context, clinicID uuid.UUID, prefix string, limit int) ([]Patient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, phone
		FROM patients
		WHERE clinic_id = $1 AND lower(name) LIKE lower($2) || '%'
		ORDER BY name
		LIMIT $3
	`, clinicID, escapeLike(prefix), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PgRepository) GetPatient(ctx context.Context, clinicID, patientID uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone
		FROM patients
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, patientID)
	return scanPatient(row)
}

// Appointments

func (r *PgRepository) GetAppointment(ctx context.Context, clinicID, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptCols+`
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.clinic_id = $1 AND a.id = $2
	`, clinicID, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, clinicID uuid.UUID, from, to time.Time, professionalID *uuid.UUID) ([]Appointment, error) {
	query := `
		SELECT ` + apptCols + `
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.clinic_id = $1 AND a.start_at >= $2 AND a.start_at < $3`
	args := []any{clinicID, from, to}
	if professionalID != nil {
		query += ` AND a.assigned_to_profile_id = $4`
		args = append(args, *professionalID)
	}
	query += ` ORDER BY a.start_at, a.created_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const insertAppointmentSQL = `
	INSERT INTO appointments (id, clinic_id, patient_id, assigned_to_profile_id, specialty_id, series_id,
		start_at, end_at, status, notes, is_exception, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
	RETURNING created_at, updated_at`

func insertAppointment(ctx context.Context, q queryable, a *Appointment) error {
	return q.QueryRow(ctx, insertAppointmentSQL,
		a.ID, a.ClinicID, a.PatientID, a.AssignedTo, a.SpecialtyID, a.SeriesID,
		a.StartAt, a.EndAt, string(a.Status), a.Notes, a.IsException, a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if err := insertAppointment(ctx, r.pool, a); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// buildUpdate renders the whitelisted column writes. Any other column is an
// error, whatever the caller passes.
func buildUpdate(clinicID, id uuid.UUID, fields []FieldValue, expectedVersion int) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}

	sets := make([]string, 0, len(fields)+2)
	args := make([]any, 0, len(fields)+3)
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !IsUpdatableColumn(f.Column) {
			return "", nil, fmt.Errorf("column %q is not updatable", f.Column)
		}
		if seen[f.Column] {
			return "", nil, fmt.Errorf("column %q set twice", f.Column)
		}
		seen[f.Column] = true
		args = append(args, f.Value)
		sets = append(sets, fmt.Sprintf("%s = $%d", f.Column, len(args)))
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")

	args = append(args, clinicID, id, expectedVersion)
	n := len(args)
	query := fmt.Sprintf(`
		WITH a AS (
			UPDATE appointments SET %s
			WHERE clinic_id = $%d AND id = $%d AND version = $%d
			RETURNING *
		)
		SELECT %s
		FROM a
		LEFT JOIN patients p ON p.id = a.patient_id`,
		strings.Join(sets, ", "), n-2, n-1, n, apptCols)

	return query, args, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, clinicID, id uuid.UUID, fields []FieldValue, expectedVersion int) (*Appointment, error) {
	query, args, err := buildUpdate(clinicID, id, fields, expectedVersion)
	if err != nil {
		return nil, err
	}

	a, err := scanAppointment(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, r.missOrConflict(ctx, clinicID, id)
	}
	return a, err
}

func (r *PgRepository) CancelAppointment(ctx context.Context, clinicID, id uuid.UUID, reasonID *uuid.UUID, expectedVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'canceled',
		    cancel_reason_id = COALESCE($3, cancel_reason_id),
		    version = version + 1,
		    updated_at = now()
		WHERE clinic_id = $1 AND id = $2 AND version = $4
	`, clinicID, id, reasonID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, clinicID, id)
	}
	return nil
}

// missOrConflict explains a guarded write that touched no row.
func (r *PgRepository) missOrConflict(ctx context.Context, clinicID, id uuid.UUID) error {
	var version int
	err := r.pool.QueryRow(ctx, `SELECT version FROM appointments WHERE clinic_id = $1 AND id = $2`, clinicID, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAppointmentNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

// MarkNoShow moves pending rows to no_show and reports every requested id
// that ends up in no_show, including ones that already were.
func (r *PgRepository) MarkNoShow(ctx context.Context, clinicID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		WITH upd AS (
			UPDATE appointments
			SET status = 'no_show', version = version + 1, updated_at = now()
			WHERE clinic_id = $1 AND id = ANY($2::uuid[]) AND status IN ('scheduled', 'confirmed')
			RETURNING id
		)
		SELECT id FROM upd
		UNION
		SELECT id FROM appointments
		WHERE clinic_id = $1 AND id = ANY($2::uuid[]) AND status = 'no_show'
	`, clinicID, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Booking series

func insertSeries(ctx context.Context, q queryable, s *Series) error {
	return q.QueryRow(ctx, `
		INSERT INTO booking_series (id, clinic_id, expected, created, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING created_at, updated_at
	`, s.ID, s.ClinicID, s.Expected, s.Created, string(s.Status)).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *PgRepository) CreateSeries(ctx context.Context, s *Series) error {
	if err := insertSeries(ctx, r.pool, s); err != nil {
		return fmt.Errorf("insert booking series: %w", err)
	}
	return nil
}

func (r *PgRepository) FinishSeries(ctx context.Context, clinicID, id uuid.UUID, created int, status SeriesStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE booking_series
		SET created = $3, status = $4, updated_at = now()
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, id, created, string(status))
	return err
}

func (r *PgRepository) CreateSeriesAtomic(ctx context.Context, s *Series, members []*Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertSeries(ctx, tx, s); err != nil {
		return fmt.Errorf("insert booking series: %w", err)
	}
	for _, a := range members {
		if err := insertAppointment(ctx, tx, a); err != nil {
			return fmt.Errorf("insert appointment at %s: %w", a.StartAt.Format(time.RFC3339), err)
		}
	}

	return tx.Commit(ctx)
}

func (r *PgRepository) ListStaleSeries(ctx context.Context, olderThan time.Time) ([]Series, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, clinic_id, expected, created, status, created_at, updated_at
		FROM booking_series
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT 500
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PgRepository) CountSeriesMembers(ctx context.Context, seriesID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE series_id = $1`, seriesID).Scan(&n)
	return n, err
}

// Event logging

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, clinic_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.ClinicID, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

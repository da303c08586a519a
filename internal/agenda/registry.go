package agenda

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/metrics"
	"github.com/hackgods/clinic-agenda/internal/tenant"
)

// Registry is the read-only view of the clinic's specialties, professional
// roster and patient directory. Writes belong to the admin side.
type Registry struct {
	repo    Repository
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(repo Repository, log zerolog.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.Discard()
	}
	return &Registry{repo: repo, log: log, metrics: m}
}

// ListBookable returns specialties with capacity > 0 sorted by display name.
// A read failure is logged and yields an empty list.
func (r *Registry) ListBookable(ctx context.Context) []Specialty {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list specialties without clinic")
		return []Specialty{}
	}

	all, err := r.repo.ListSpecialties(ctx, clinicID)
	if err != nil {
		r.metrics.ReadFailures.WithLabelValues("list_specialties").Inc()
		r.log.Error().Err(err).Str("clinic_id", clinicID.String()).Msg("list specialties failed, returning empty list")
		return []Specialty{}
	}

	return Bookable(all)
}

// Bookable filters out disabled specialties and sorts the rest by display
// name, case-insensitively.
func Bookable(all []Specialty) []Specialty {
	out := make([]Specialty, 0, len(all))
	for _, s := range all {
		if s.Bookable() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].DisplayName()) < strings.ToLower(out[j].DisplayName())
	})
	return out
}

// Favorites picks the favorite specialties, in list order, up to MaxFavorites.
func Favorites(list []Specialty) []Specialty {
	out := make([]Specialty, 0, MaxFavorites)
	for _, s := range list {
		if !s.Favorite {
			continue
		}
		out = append(out, s)
		if len(out) == MaxFavorites {
			break
		}
	}
	return out
}

// Specialty resolves one specialty by catalog id. Unlike the list it returns
// read errors.
func (r *Registry) Specialty(ctx context.Context, specialtyID uuid.UUID) (*Specialty, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := r.repo.GetSpecialty(ctx, clinicID, specialtyID)
	if err != nil {
		return nil, fmt.Errorf("load specialty: %w", err)
	}
	return spec, nil
}

// ProfessionalCountBySpecialty is informational only; it never limits
// bookings.
func (r *Registry) ProfessionalCountBySpecialty(ctx context.Context) map[uuid.UUID]int {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return map[uuid.UUID]int{}
	}

	counts, err := r.repo.CountProfessionalsBySpecialty(ctx, clinicID)
	if err != nil {
		r.metrics.ReadFailures.WithLabelValues("count_professionals").Inc()
		r.log.Error().Err(err).Str("clinic_id", clinicID.String()).Msg("count professionals failed")
		return map[uuid.UUID]int{}
	}
	return counts
}

const maxPatientResults = 20

// SearchPatients looks patients up by name prefix. Prefixes shorter than two
// characters return nothing.
func (r *Registry) SearchPatients(ctx context.Context, prefix string) []Patient {
	prefix = strings.TrimSpace(prefix)
	if len([]rune(prefix)) < 2 {
		return []Patient{}
	}

	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return []Patient{}
	}

	patients, err := r.repo.SearchPatients(ctx, clinicID, prefix, maxPatientResults)
	if err != nil {
		r.metrics.ReadFailures.WithLabelValues("search_patients").Inc()
		r.log.Error().Err(err).Str("clinic_id", clinicID.String()).Msg("patient search failed")
		return []Patient{}
	}
	return patients
}

// Patient resolves a patient for binding to a booking.
func (r *Registry) Patient(ctx context.Context, patientID uuid.UUID) (*Patient, error) {
	clinicID, err := tenant.ClinicFromContext(ctx)
	if err != nil {
		return nil, err
	}
	p, err := r.repo.GetPatient(ctx, clinicID, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

// Package tenant carries the clinic a request acts for. Entry points put the
// clinic in the context once; lower layers read it from there and never take
// it as a loose parameter.
package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type contextKey string

const clinicKey contextKey = "clinic_id"

var ErrMissingClinic = errors.New("clinic identity missing from request context")

func WithClinic(ctx context.Context, clinicID uuid.UUID) context.Context {
	return context.WithValue(ctx, clinicKey, clinicID)
}

// ClinicFromContext returns the clinic bound to ctx. A nil uuid counts as
// missing.
func ClinicFromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(clinicKey).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, ErrMissingClinic
	}
	return id, nil
}

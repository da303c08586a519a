package agenda

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Columns an update may ever write. Anything else in a payload is dropped
// before it reaches the repository, and the repository refuses any column
// outside this set.
const (
	ColStartAt    = "start_at"
	ColEndAt      = "end_at"
	ColAssignedTo = "assigned_to_profile_id"
	ColSpecialty  = "specialty_id"
	ColNotes      = "notes"
	ColStatus     = "status"
)

var updatableColumns = map[string]struct{}{
	ColStartAt:    {},
	ColEndAt:      {},
	ColAssignedTo: {},
	ColSpecialty:  {},
	ColNotes:      {},
	ColStatus:     {},
}

func IsUpdatableColumn(col string) bool {
	_, ok := updatableColumns[col]
	return ok
}

type FieldValue struct {
	Column string
	Value  any
}

// Patch is a partial update restricted to the whitelist. end_at has no field:
// it follows start_at.
type Patch struct {
	StartAt *time.Time

	AssignedToSet bool
	AssignedTo    *uuid.UUID // nil with AssignedToSet returns the booking to the pool

	SpecialtyID *uuid.UUID

	NotesSet bool
	Notes    *string

	Status *Status
}

func (p Patch) Empty() bool {
	return p.StartAt == nil && !p.AssignedToSet && p.SpecialtyID == nil && !p.NotesSet && p.Status == nil
}

// DecodePatch reads a loosely typed payload (decoded JSON) into a Patch. Keys
// outside the whitelist are returned in dropped, sorted, and never reach the
// Patch. A supplied end_at is accepted but ignored because it is recomputed
// from start_at.
func DecodePatch(raw map[string]any) (Patch, []string, error) {
	var p Patch
	var dropped []string

	for key, val := range raw {
		switch key {
		case ColStartAt:
			s, ok := val.(string)
			if !ok {
				return Patch{}, nil, fmt.Errorf("%w: start_at must be an RFC3339 string", ErrValidation)
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return Patch{}, nil, fmt.Errorf("%w: start_at must be an RFC3339 string", ErrValidation)
			}
			p.StartAt = &t
		case ColEndAt:
			// derived
		case ColAssignedTo:
			id, err := optionalUUID(key, val)
			if err != nil {
				return Patch{}, nil, err
			}
			p.AssignedToSet = true
			p.AssignedTo = id
		case ColSpecialty:
			id, err := optionalUUID(key, val)
			if err != nil {
				return Patch{}, nil, err
			}
			if id == nil {
				return Patch{}, nil, fmt.Errorf("%w: specialty_id cannot be cleared", ErrValidation)
			}
			p.SpecialtyID = id
		case ColNotes:
			p.NotesSet = true
			switch v := val.(type) {
			case nil:
				p.Notes = nil
			case string:
				p.Notes = &v
			default:
				return Patch{}, nil, fmt.Errorf("%w: notes must be a string", ErrValidation)
			}
		case ColStatus:
			s, ok := val.(string)
			if !ok {
				return Patch{}, nil, fmt.Errorf("%w: status must be a string", ErrValidation)
			}
			st, err := ParseStatus(s)
			if err != nil {
				return Patch{}, nil, err
			}
			p.Status = &st
		default:
			dropped = append(dropped, key)
		}
	}

	sort.Strings(dropped)
	return p, dropped, nil
}

func optionalUUID(key string, val any) (*uuid.UUID, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a UUID", ErrValidation, key)
		}
		return &id, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a UUID", ErrValidation, key)
	}
}

// Fields lowers the patch to column writes, deriving end_at whenever
// start_at moves.
func (p Patch) Fields(sched *Schedule) []FieldValue {
	var out []FieldValue
	if p.StartAt != nil {
		out = append(out,
			FieldValue{Column: ColStartAt, Value: *p.StartAt},
			FieldValue{Column: ColEndAt, Value: sched.EndFor(*p.StartAt)},
		)
	}
	if p.AssignedToSet {
		out = append(out, FieldValue{Column: ColAssignedTo, Value: p.AssignedTo})
	}
	if p.SpecialtyID != nil {
		out = append(out, FieldValue{Column: ColSpecialty, Value: *p.SpecialtyID})
	}
	if p.NotesSet {
		out = append(out, FieldValue{Column: ColNotes, Value: p.Notes})
	}
	if p.Status != nil {
		out = append(out, FieldValue{Column: ColStatus, Value: string(*p.Status)})
	}
	return out
}

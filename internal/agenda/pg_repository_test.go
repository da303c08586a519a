package agenda

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdate_WhitelistedColumns(t *testing.T) {
	clinic, id := uuid.New(), uuid.New()
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	p := Patch{StartAt: &start, NotesSet: true}

	query, args, err := buildUpdate(clinic, id, p.Fields(testSchedule(t)), 3)
	require.NoError(t, err)

	assert.Contains(t, query, "start_at = $1, end_at = $2, notes = $3, version = version + 1")
	assert.Contains(t, query, "WHERE clinic_id = $4 AND id = $5 AND version = $6")
	require.Len(t, args, 6)
	assert.Equal(t, start, args[0])
	assert.Equal(t, start.Add(40*time.Minute), args[1])
	assert.Equal(t, clinic, args[3])
	assert.Equal(t, id, args[4])
	assert.Equal(t, 3, args[5])
}

func TestBuildUpdate_RefusesOtherColumns(t *testing.T) {
	for _, col := range []string{"clinic_id", "patient_id", "version", "created_at", "status; DROP TABLE appointments"} {
		_, _, err := buildUpdate(uuid.New(), uuid.New(), []FieldValue{{Column: col, Value: "x"}}, 1)
		assert.Error(t, err, col)
	}

	_, _, err := buildUpdate(uuid.New(), uuid.New(), nil, 1)
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = buildUpdate(uuid.New(), uuid.New(), []FieldValue{{Column: ColNotes}, {Column: ColNotes}}, 1)
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, escapeLike(`50%_off\`))
	assert.False(t, strings.Contains(escapeLike("ana"), `\`))
}

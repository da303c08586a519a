package agenda

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusNoShow     Status = "no_show"
	StatusCanceled   Status = "canceled"
)

// statusAliases maps spellings seen in stored data and client payloads onto
// the closed enumeration.
var statusAliases = map[string]Status{
	"scheduled":   StatusScheduled,
	"agendado":    StatusScheduled,
	"confirmed":   StatusConfirmed,
	"confirmado":  StatusConfirmed,
	"checked_in":  StatusCheckedIn,
	"checked-in":  StatusCheckedIn,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"done":        StatusDone,
	"realizado":   StatusDone,
	"no_show":     StatusNoShow,
	"no-show":     StatusNoShow,
	"noshow":      StatusNoShow,
	"faltou":      StatusNoShow,
	"canceled":    StatusCanceled,
	"cancelled":   StatusCanceled,
	"cancelado":   StatusCanceled,
}

func ParseStatus(raw string) (Status, error) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusNoShow || s == StatusCanceled
}

// Realized covers appointments the patient showed up for.
func (s Status) Realized() bool {
	return s == StatusCheckedIn || s == StatusInProgress || s == StatusDone
}

// Pending covers appointments that are still expected to happen.
func (s Status) Pending() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

// CountsTowardOccupancy is false for statuses that free the slot.
func (s Status) CountsTowardOccupancy() bool {
	return s != StatusCanceled && s != StatusNoShow
}

var statusRank = map[Status]int{
	StatusScheduled:  0,
	StatusConfirmed:  1,
	StatusCheckedIn:  2,
	StatusInProgress: 3,
	StatusDone:       4,
	StatusNoShow:     4,
	StatusCanceled:   4,
}

// CanTransition reports whether from -> to moves forward. Staying on the same
// status is allowed so repeated writes are no-ops; leaving a terminal status
// never is. Once the patient has shown up the only way on is done.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if from.Realized() && !to.Realized() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

package store

import (
	"errors"
	"fmt"

	"qms/patient-queue/internal/models"
)

var (
	ErrNotFound          = errors.New("queue entry not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoWaitingEntries  = errors.New("no waiting entries")
	ErrNotEditable       = errors.New("queue entry no longer editable")
	ErrStoreUnavailable  = errors.New("queue store unavailable")
	ErrDuplicateTicket   = errors.New("duplicate ticket number")
	ErrUnknownAction     = errors.New("unknown queue action")
)

// InvalidTransitionError is returned when the status guard rejects an action.
// The entry is left unchanged.
type InvalidTransitionError struct {
	QueueID   string
	Action    Action
	Current   models.Status
	Requested models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("queue entry %s: cannot %s from %q to %q", e.QueueID, e.Action, e.Current, e.Requested)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Unavailable wraps a backend failure so callers can treat it as retryable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

package store

import (
	"context"
	"time"

	"qms/patient-queue/internal/models"
)

type CreateEntryInput struct {
	PatientID       string
	ServicePoint    models.ServicePoint
	Priority        models.Priority
	TicketNumber    string
	TicketSeq       int64
	ServiceDay      string
	Notes           string
	TransferredFrom string
	EnqueueTime     time.Time
}

type ListFilter struct {
	ServicePoint models.ServicePoint
	Statuses     []models.Status
	Day          string
}

func (f ListFilter) Matches(entry models.QueueEntry) bool {
	if f.ServicePoint != "" && entry.ServicePoint != f.ServicePoint {
		return false
	}
	if f.Day != "" && entry.ServiceDay != f.Day {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if entry.Status == status {
			return true
		}
	}
	return false
}

// EntryPatch carries staff corrections. Nil fields are left unchanged.
type EntryPatch struct {
	Notes    *string
	Priority *models.Priority
}

type ApplyInput struct {
	QueueID    string
	Action     Action
	OccurredAt time.Time
}

// QueueStore is the single shared mutable resource. Apply is the only way to
// change an entry's status and must be an atomic compare-and-set.
type QueueStore interface {
	Create(ctx context.Context, input CreateEntryInput) (models.QueueEntry, error)
	Get(ctx context.Context, queueID string) (models.QueueEntry, error)
	List(ctx context.Context, filter ListFilter) ([]models.QueueEntry, error)
	Update(ctx context.Context, queueID string, patch EntryPatch) (models.QueueEntry, error)
	Apply(ctx context.Context, input ApplyInput) (models.QueueEntry, error)
	ListEvents(ctx context.Context, queueID string) ([]EntryEvent, error)
	Ping(ctx context.Context) error
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
)

type ticketKey struct {
	servicePoint models.ServicePoint
	day          string
	seq          int64
}

// Store keeps entries in process memory. It is used in development mode and
// tests; all mutation happens under one lock so Apply is a true compare-and-set.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]models.QueueEntry
	tickets map[ticketKey]string
	events  map[string][]store.EntryEvent
}

func NewStore() *Store {
	return &Store{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]models.QueueEntry),
		tickets: make(map[ticketKey]string),
		events:  make(map[string][]store.EntryEvent),
	}
}

func (s *Store) Create(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ticketKey{servicePoint: input.ServicePoint, day: input.ServiceDay, seq: input.TicketSeq}
	if _, exists := s.tickets[key]; exists {
		return models.QueueEntry{}, store.ErrDuplicateTicket
	}

	enqueued := input.EnqueueTime
	if enqueued.IsZero() {
		enqueued = s.now()
	}
	entry := models.QueueEntry{
		QueueID:         uuid.NewString(),
		PatientID:       input.PatientID,
		ServicePoint:    input.ServicePoint,
		TicketNumber:    input.TicketNumber,
		TicketSeq:       input.TicketSeq,
		ServiceDay:      input.ServiceDay,
		Priority:        input.Priority,
		Status:          models.StatusWaiting,
		EnqueueTime:     enqueued,
		Notes:           input.Notes,
		TransferredFrom: input.TransferredFrom,
	}
	if err := s.appendEvent(entry, store.EventCreated); err != nil {
		return models.QueueEntry{}, err
	}
	s.entries[entry.QueueID] = entry
	s.tickets[key] = entry.QueueID
	return cloneEntry(entry), nil
}

func (s *Store) Get(ctx context.Context, queueID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[queueID]
	if !ok {
		return models.QueueEntry{}, store.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []models.QueueEntry
	for _, entry := range s.entries {
		if filter.Matches(entry) {
			entries = append(entries, cloneEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueueTime.Equal(entries[j].EnqueueTime) {
			return entries[i].TicketSeq < entries[j].TicketSeq
		}
		return entries[i].EnqueueTime.Before(entries[j].EnqueueTime)
	})
	return entries, nil
}

func (s *Store) Update(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[queueID]
	if !ok {
		return models.QueueEntry{}, store.ErrNotFound
	}
	if patch.Priority != nil && entry.Status != models.StatusWaiting {
		return models.QueueEntry{}, store.ErrNotEditable
	}
	if patch.Priority != nil {
		entry.Priority = *patch.Priority
	}
	if patch.Notes != nil {
		entry.Notes = *patch.Notes
	}
	if err := s.appendEvent(entry, store.EventUpdated); err != nil {
		return models.QueueEntry{}, err
	}
	s.entries[queueID] = entry
	return cloneEntry(entry), nil
}

func (s *Store) Apply(ctx context.Context, input store.ApplyInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.QueueID]
	if !ok {
		return models.QueueEntry{}, store.ErrNotFound
	}
	transition, err := store.CheckTransition(input.QueueID, input.Action, entry.Status)
	if err != nil {
		return models.QueueEntry{}, err
	}

	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	entry.Status = transition.To
	switch transition.Stamp {
	case store.StampCalled:
		if entry.CalledTime == nil {
			entry.CalledTime = &at
		}
	case store.StampStarted:
		if entry.StartTime == nil {
			entry.StartTime = &at
		}
	case store.StampCompletion:
		if entry.CompletionTime == nil {
			entry.CompletionTime = &at
		}
	}
	if err := s.appendEvent(entry, input.Action.EventType()); err != nil {
		return models.QueueEntry{}, err
	}
	s.entries[input.QueueID] = entry
	return cloneEntry(entry), nil
}

func (s *Store) ListEvents(ctx context.Context, queueID string) ([]store.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[queueID]; !ok {
		return nil, store.ErrNotFound
	}
	events := make([]store.EntryEvent, len(s.events[queueID]))
	copy(events, s.events[queueID])
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) appendEvent(entry models.QueueEntry, eventType string) error {
	payload, err := store.EventPayload(entry)
	if err != nil {
		return err
	}
	var prev *store.EntryEvent
	if existing := s.events[entry.QueueID]; len(existing) > 0 {
		prev = &existing[len(existing)-1]
	}
	s.events[entry.QueueID] = append(s.events[entry.QueueID], store.ChainEvent(prev, entry.QueueID, eventType, payload, s.now()))
	return nil
}

func cloneEntry(entry models.QueueEntry) models.QueueEntry {
	entry.CalledTime = cloneTime(entry.CalledTime)
	entry.StartTime = cloneTime(entry.StartTime)
	entry.CompletionTime = cloneTime(entry.CompletionTime)
	entry.AssignedCounter = nil
	return entry
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := *value
	return &t
}

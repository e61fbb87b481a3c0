package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/patient-queue/internal/models"
)

const (
	EventCreated = "entry.created"
	EventUpdated = "entry.updated"
)

type EntryEvent struct {
	QueueID   string          `json:"queue_id"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	QueueID         string     `json:"queue_id"`
	PatientID       string     `json:"patient_id,omitempty"`
	ServicePoint    string     `json:"service_point,omitempty"`
	TicketNumber    string     `json:"ticket_number,omitempty"`
	TicketSeq       int64      `json:"ticket_seq,omitempty"`
	ServiceDay      string     `json:"service_day,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	Status          string     `json:"status,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	TransferredFrom string     `json:"transferred_from,omitempty"`
	EnqueueTime     *time.Time `json:"enqueue_time,omitempty"`
	CalledTime      *time.Time `json:"called_time,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	CompletionTime  *time.Time `json:"completion_time,omitempty"`
}

// EventPayload snapshots the entry fields recorded with an event.
func EventPayload(entry models.QueueEntry) (json.RawMessage, error) {
	enqueued := entry.EnqueueTime
	notes := entry.Notes
	return json.Marshal(eventPayload{
		QueueID:         entry.QueueID,
		PatientID:       entry.PatientID,
		ServicePoint:    string(entry.ServicePoint),
		TicketNumber:    entry.TicketNumber,
		TicketSeq:       entry.TicketSeq,
		ServiceDay:      entry.ServiceDay,
		Priority:        string(entry.Priority),
		Status:          string(entry.Status),
		Notes:           &notes,
		TransferredFrom: entry.TransferredFrom,
		EnqueueTime:     &enqueued,
		CalledTime:      entry.CalledTime,
		StartTime:       entry.StartTime,
		CompletionTime:  entry.CompletionTime,
	})
}

func ComputeEventHash(prevHash, queueID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, queueID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// ChainEvent builds the next event after prev (nil for the first one).
func ChainEvent(prev *EntryEvent, queueID, eventType string, payload json.RawMessage, createdAt time.Time) EntryEvent {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.Hash
	}
	return EntryEvent{
		QueueID:   queueID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeEventHash(prevHash, queueID, eventType, payload, createdAt, seq),
	}
}

// VerifyChain checks sequence numbers and hash links of one entry's events.
func VerifyChain(events []EntryEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.Seq != i+1 {
			return fmt.Errorf("event %d: unexpected seq %d", i+1, event.Seq)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("event %d: broken link", event.Seq)
		}
		if want := ComputeEventHash(prevHash, event.QueueID, event.Type, event.Payload, event.CreatedAt, event.Seq); want != event.Hash {
			return fmt.Errorf("event %d: hash mismatch", event.Seq)
		}
		prevHash = event.Hash
	}
	return nil
}

func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.QueueID != "" {
			entry.QueueID = payload.QueueID
		}
		if payload.PatientID != "" {
			entry.PatientID = payload.PatientID
		}
		if payload.ServicePoint != "" {
			entry.ServicePoint = models.ServicePoint(payload.ServicePoint)
		}
		if payload.TicketNumber != "" {
			entry.TicketNumber = payload.TicketNumber
		}
		if payload.TicketSeq != 0 {
			entry.TicketSeq = payload.TicketSeq
		}
		if payload.ServiceDay != "" {
			entry.ServiceDay = payload.ServiceDay
		}
		if payload.Priority != "" {
			entry.Priority = models.Priority(payload.Priority)
		}
		if payload.Status != "" {
			entry.Status = models.Status(payload.Status)
		}
		if payload.Notes != nil {
			entry.Notes = *payload.Notes
		}
		if payload.TransferredFrom != "" {
			entry.TransferredFrom = payload.TransferredFrom
		}
		if payload.EnqueueTime != nil {
			entry.EnqueueTime = *payload.EnqueueTime
		}
		if payload.CalledTime != nil {
			entry.CalledTime = payload.CalledTime
		}
		if payload.StartTime != nil {
			entry.StartTime = payload.StartTime
		}
		if payload.CompletionTime != nil {
			entry.CompletionTime = payload.CompletionTime
		}
	}
	return entry, nil
}

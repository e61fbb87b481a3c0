package models

import "time"

type QueueEntry struct {
	QueueID         string       `json:"queue_id"`
	PatientID       string       `json:"patient_id"`
	ServicePoint    ServicePoint `json:"service_point"`
	TicketNumber    string       `json:"ticket_number"`
	TicketSeq       int64        `json:"ticket_seq"`
	ServiceDay      string       `json:"service_day"`
	Priority        Priority     `json:"priority"`
	Status          Status       `json:"status"`
	EnqueueTime     time.Time    `json:"enqueue_time"`
	CalledTime      *time.Time   `json:"called_time,omitempty"`
	StartTime       *time.Time   `json:"start_time,omitempty"`
	CompletionTime  *time.Time   `json:"completion_time,omitempty"`
	AssignedCounter *int         `json:"assigned_counter,omitempty"`
	Notes           string       `json:"notes"`
	TransferredFrom string       `json:"transferred_from,omitempty"`
}

type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusCalled      Status = "called"
	StatusServing     Status = "serving"
	StatusCompleted   Status = "completed"
	StatusNoShow      Status = "no-show"
	StatusRescheduled Status = "rescheduled"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusWaiting, StatusCalled, StatusServing, StatusCompleted, StatusNoShow, StatusRescheduled:
		return s, true
	}
	return "", false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow || s == StatusRescheduled
}

// Active reports whether an entry in s is eligible for a counter.
func (s Status) Active() bool {
	return s == StatusCalled || s == StatusServing
}

// ActivatedAt is the later of called and start time, used to order active calls.
func (e QueueEntry) ActivatedAt() time.Time {
	var at time.Time
	if e.CalledTime != nil {
		at = *e.CalledTime
	}
	if e.StartTime != nil && e.StartTime.After(at) {
		at = *e.StartTime
	}
	return at
}

package models

import "time"

// ActiveCall is one row of a "now calling" display.
type ActiveCall struct {
	Counter      int        `json:"counter"`
	QueueID      string     `json:"queue_id"`
	TicketNumber string     `json:"ticket_number"`
	PatientLabel string     `json:"patient_label"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	CalledTime   *time.Time `json:"called_time,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}

// CallBoard is the full display view for one service point.
type CallBoard struct {
	ServicePoint ServicePoint `json:"service_point"`
	Calls        []ActiveCall `json:"calls"`
	WaitingCount int          `json:"waiting_count"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

type WaitingPosition struct {
	Position int        `json:"position"`
	Entry    QueueEntry `json:"entry"`
}

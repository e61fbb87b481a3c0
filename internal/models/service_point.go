package models

type ServicePoint string

const (
	Registration ServicePoint = "registration"
	Triage       ServicePoint = "triage"
	Consultation ServicePoint = "consultation"
	Laboratory   ServicePoint = "laboratory"
	Radiology    ServicePoint = "radiology"
	Pharmacy     ServicePoint = "pharmacy"
	Cashier      ServicePoint = "cashier"
	Billing      ServicePoint = "billing"
)

var ServicePoints = []ServicePoint{
	Registration, Triage, Consultation, Laboratory, Radiology, Pharmacy, Cashier, Billing,
}

var ticketPrefixes = map[ServicePoint]string{
	Registration: "R",
	Triage:       "T",
	Consultation: "C",
	Laboratory:   "L",
	Radiology:    "X",
	Pharmacy:     "P",
	Cashier:      "K",
	Billing:      "B",
}

func ParseServicePoint(raw string) (ServicePoint, bool) {
	sp := ServicePoint(raw)
	_, ok := ticketPrefixes[sp]
	return sp, ok
}

// TicketPrefix is the letter printed in front of the ticket sequence.
func (sp ServicePoint) TicketPrefix() string {
	return ticketPrefixes[sp]
}

type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityUrgent    Priority = "urgent"
	PriorityNormal    Priority = "normal"
)

func ParsePriority(raw string) (Priority, bool) {
	switch p := Priority(raw); p {
	case PriorityEmergency, PriorityUrgent, PriorityNormal:
		return p, true
	}
	return "", false
}

// Rank orders priority classes; lower is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

// Package ticket issues the human-readable numbers printed for queue entries.
// Numbers restart at 1 for every (service point, service day).
package ticket

import (
	"context"
	"fmt"
	"time"

	"qms/patient-queue/internal/models"
)

const (
	numberPad = 3
	dayLayout = "2006-01-02"
)

type Ticket struct {
	Seq    int64
	Number string
	Day    string
}

type Issuer interface {
	Issue(ctx context.Context, sp models.ServicePoint, day string) (Ticket, error)
}

// Day is the calendar day at in loc; sequences reset when it changes.
func Day(at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format(dayLayout)
}

// Format renders seq with the service point's prefix, e.g. T001.
func Format(sp models.ServicePoint, seq int64) string {
	return fmt.Sprintf("%s%0*d", sp.TicketPrefix(), numberPad, seq)
}

func newTicket(sp models.ServicePoint, day string, seq int64) Ticket {
	return Ticket{Seq: seq, Number: Format(sp, seq), Day: day}
}

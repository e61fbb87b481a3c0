package ticket

import (
	"context"
	"sync"

	"qms/patient-queue/internal/models"
)

type sequenceKey struct {
	servicePoint models.ServicePoint
	day          string
}

type MemoryIssuer struct {
	mu   sync.Mutex
	next map[sequenceKey]int64
}

func NewMemoryIssuer() *MemoryIssuer {
	return &MemoryIssuer{next: make(map[sequenceKey]int64)}
}

func (i *MemoryIssuer) Issue(ctx context.Context, sp models.ServicePoint, day string) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	key := sequenceKey{servicePoint: sp, day: day}
	i.next[key]++
	return newTicket(sp, day, i.next[key]), nil
}

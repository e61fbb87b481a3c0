// Package scheduler decides which waiting entry is called next. It holds no
// state; the order is recomputed from the entries on every call.
package scheduler

import (
	"sort"

	"qms/patient-queue/internal/models"
)

// Order returns the waiting entries in call order: higher priority class
// first, then earliest enqueue time, then lowest ticket sequence.
// Entries in any other status are dropped.
func Order(entries []models.QueueEntry) []models.QueueEntry {
	waiting := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Status == models.StatusWaiting {
			waiting = append(waiting, entry)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return before(waiting[i], waiting[j])
	})
	return waiting
}

// NextWaiting returns the entry Order would put first.
func NextWaiting(entries []models.QueueEntry) (models.QueueEntry, bool) {
	var (
		next  models.QueueEntry
		found bool
	)
	for _, entry := range entries {
		if entry.Status != models.StatusWaiting {
			continue
		}
		if !found || before(entry, next) {
			next = entry
			found = true
		}
	}
	return next, found
}

func before(a, b models.QueueEntry) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.EnqueueTime.Equal(b.EnqueueTime) {
		return a.EnqueueTime.Before(b.EnqueueTime)
	}
	return a.TicketSeq < b.TicketSeq
}

// Package counters maps active calls to numbered counters on a display.
// Counter numbers are derived from the active set and never stored.
package counters

import (
	"sort"

	"qms/patient-queue/internal/models"
)

// Assign numbers the called and serving entries 1..n, most recently
// activated first. Ties are broken by queue id so every caller agrees.
// The returned entries carry AssignedCounter.
func Assign(entries []models.QueueEntry) []models.QueueEntry {
	active := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Status.Active() {
			active = append(active, entry)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ai, aj := active[i].ActivatedAt(), active[j].ActivatedAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return active[i].QueueID < active[j].QueueID
	})
	for i := range active {
		counter := i + 1
		active[i].AssignedCounter = &counter
	}
	return active
}

// AtCounter returns the entry on counter n (1-based), if any.
func AtCounter(entries []models.QueueEntry, n int) (models.QueueEntry, bool) {
	if n < 1 {
		return models.QueueEntry{}, false
	}
	assigned := Assign(entries)
	if n > len(assigned) {
		return models.QueueEntry{}, false
	}
	return assigned[n-1], true
}

// CounterOf returns the counter currently assigned to queueID.
func CounterOf(entries []models.QueueEntry, queueID string) (int, bool) {
	for _, entry := range Assign(entries) {
		if entry.QueueID == queueID {
			return *entry.AssignedCounter, true
		}
	}
	return 0, false
}

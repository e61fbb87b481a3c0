package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/patient-queue/internal/metrics"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/store/memory"
	"qms/patient-queue/internal/ticket"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	boards []models.CallBoard
	err    error
}

func (n *recordingNotifier) PublishBoard(ctx context.Context, board models.CallBoard) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.boards = append(n.boards, board)
	return n.err
}

func (n *recordingNotifier) last() models.CallBoard {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.boards[len(n.boards)-1]
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T, st store.QueueStore) (*Service, *recordingNotifier, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	svc := NewService(st, ticket.NewMemoryIssuer(), Options{
		Notifier: notifier,
		Logger:   zerolog.Nop(),
		Now:      clock.now,
	})
	return svc, notifier, clock
}

func TestTriageScenario(t *testing.T) {
	ctx := context.Background()
	svc, notifier, clock := newTestService(t, memory.NewStore())

	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "patient-p", ServicePoint: models.Triage, Priority: models.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, "T001", entry.TicketNumber)
	assert.Equal(t, models.StatusWaiting, entry.Status)
	assert.Equal(t, "2026-03-02", entry.ServiceDay)

	clock.advance(4 * time.Minute)
	called, err := svc.CallNext(ctx, models.Triage)
	require.NoError(t, err)
	assert.Equal(t, entry.QueueID, called.QueueID)
	assert.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledTime)
	require.NotNil(t, called.AssignedCounter)
	assert.Equal(t, 1, *called.AssignedCounter)

	call, ok, err := svc.ActiveCall(ctx, models.Triage, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.QueueID, call.QueueID)
	assert.Equal(t, "Patient patient-", call.PatientLabel)

	clock.advance(time.Minute)
	serving, err := svc.StartServing(ctx, entry.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusServing, serving.Status)
	require.NotNil(t, serving.StartTime)

	clock.advance(10 * time.Minute)
	done, err := svc.Complete(ctx, entry.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletionTime)
	assert.Nil(t, done.AssignedCounter)

	_, err = svc.CallNext(ctx, models.Triage)
	assert.True(t, errors.Is(err, store.ErrNoWaitingEntries))

	board := notifier.last()
	assert.Equal(t, models.Triage, board.ServicePoint)
	assert.Empty(t, board.Calls)

	history, err := svc.History(ctx, entry.QueueID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.NoError(t, store.VerifyChain(history))
}

// gatedStore holds List until every caller has listed, so concurrent
// call-next attempts all pick the same entry.
type gatedStore struct {
	store.QueueStore
	ready sync.WaitGroup
}

func (g *gatedStore) List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	entries, err := g.QueueStore.List(ctx, filter)
	if len(filter.Statuses) == 1 && filter.Statuses[0] == models.StatusWaiting {
		g.ready.Done()
		g.ready.Wait()
	}
	return entries, err
}

func TestConcurrentCallNextSingleWinner(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	seed, _, _ := newTestService(t, base)
	entry, err := seed.Enqueue(ctx, EnqueueInput{PatientID: "p1", ServicePoint: models.Laboratory})
	require.NoError(t, err)

	gated := &gatedStore{QueueStore: base}
	gated.ready.Add(2)
	svc, _, _ := newTestService(t, gated)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CallNext(ctx, models.Laboratory)
		}(i)
	}
	wg.Wait()

	var wins, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrInvalidTransition):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, lost)

	got, err := base.Get(ctx, entry.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, got.Status)
	events, err := base.ListEvents(ctx, entry.QueueID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCallNextHonoursPriority(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, memory.NewStore())

	normal, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "n", ServicePoint: models.Consultation, Priority: models.PriorityNormal})
	require.NoError(t, err)
	clock.advance(time.Minute)
	urgent, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "u", ServicePoint: models.Consultation, Priority: models.PriorityUrgent})
	require.NoError(t, err)
	clock.advance(time.Minute)
	emergency, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "e", ServicePoint: models.Consultation, Priority: models.PriorityEmergency})
	require.NoError(t, err)

	positions, err := svc.Waiting(ctx, models.Consultation)
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Equal(t, emergency.QueueID, positions[0].Entry.QueueID)
	assert.Equal(t, 1, positions[0].Position)

	for _, want := range []string{emergency.QueueID, urgent.QueueID, normal.QueueID} {
		clock.advance(time.Minute)
		called, err := svc.CallNext(ctx, models.Consultation)
		require.NoError(t, err)
		assert.Equal(t, want, called.QueueID)
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	svc, notifier, _ := newTestService(t, memory.NewStore())

	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "p2", ServicePoint: models.Consultation, Priority: models.PriorityUrgent, Notes: "chest pain"})
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, entry.QueueID, models.Laboratory)
	assert.True(t, errors.Is(err, store.ErrInvalidTransition), "waiting entries cannot be transferred")

	_, err = svc.CallNext(ctx, models.Consultation)
	require.NoError(t, err)
	_, err = svc.StartServing(ctx, entry.QueueID)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, entry.QueueID, models.Consultation)
	assert.True(t, errors.Is(err, ErrValidation))

	result, err := svc.Transfer(ctx, entry.QueueID, models.Laboratory)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, result.Source.Status)
	assert.Equal(t, models.StatusWaiting, result.Destination.Status)
	assert.Equal(t, "L001", result.Destination.TicketNumber)
	assert.Equal(t, entry.PatientID, result.Destination.PatientID)
	assert.Equal(t, models.PriorityUrgent, result.Destination.Priority)
	assert.Equal(t, entry.QueueID, result.Destination.TransferredFrom)
	assert.Equal(t, models.Laboratory, notifier.last().ServicePoint)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.NewStore())

	cases := []EnqueueInput{
		{PatientID: "", ServicePoint: models.Triage},
		{PatientID: "p", ServicePoint: "morgue"},
		{PatientID: "p", ServicePoint: models.Triage, Priority: "vip"},
	}
	for _, input := range cases {
		_, err := svc.Enqueue(ctx, input)
		assert.True(t, errors.Is(err, ErrValidation), "input %+v", input)
	}

	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: " p ", ServicePoint: models.Triage})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityNormal, entry.Priority)
	assert.Equal(t, "p", entry.PatientID)
}

type duplicatingIssuer struct{}

func (duplicatingIssuer) Issue(ctx context.Context, sp models.ServicePoint, day string) (ticket.Ticket, error) {
	return ticket.Ticket{Seq: 1, Number: ticket.Format(sp, 1), Day: day}, nil
}

func TestEnqueueDuplicateTicketIsReturned(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), duplicatingIssuer{}, Options{Logger: zerolog.Nop()})

	_, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "a", ServicePoint: models.Cashier})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, EnqueueInput{PatientID: "b", ServicePoint: models.Cashier})
	assert.True(t, errors.Is(err, store.ErrDuplicateTicket))
}

func TestUpdateEntry(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.NewStore())
	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "p3", ServicePoint: models.Pharmacy})
	require.NoError(t, err)

	emergency := models.PriorityEmergency
	updated, err := svc.UpdateEntry(ctx, entry.QueueID, store.EntryPatch{Priority: &emergency})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityEmergency, updated.Priority)

	bogus := models.Priority("vip")
	_, err = svc.UpdateEntry(ctx, entry.QueueID, store.EntryPatch{Priority: &bogus})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = svc.UpdateEntry(ctx, entry.QueueID, store.EntryPatch{})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestBoardOrdersCounters(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, memory.NewStore())

	var ids []string
	for _, id := range []string{"a", "b", "c"} {
		entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: id, ServicePoint: models.Radiology})
		require.NoError(t, err)
		ids = append(ids, entry.QueueID)
	}
	_, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "w", ServicePoint: models.Radiology})
	require.NoError(t, err)

	for range ids {
		clock.advance(5 * time.Minute)
		_, err := svc.CallNext(ctx, models.Radiology)
		require.NoError(t, err)
	}
	clock.advance(5 * time.Minute)
	_, err = svc.StartServing(ctx, ids[0])
	require.NoError(t, err)

	board, err := svc.Board(ctx, models.Radiology)
	require.NoError(t, err)
	require.Len(t, board.Calls, 3)
	assert.Equal(t, 1, board.WaitingCount)
	assert.Equal(t, ids[0], board.Calls[0].QueueID)
	assert.Equal(t, ids[2], board.Calls[1].QueueID)
	assert.Equal(t, ids[1], board.Calls[2].QueueID)

	_, ok, err := svc.ActiveCall(ctx, models.Radiology, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshBoardsPublishesEveryServicePoint(t *testing.T) {
	ctx := context.Background()
	svc, notifier, _ := newTestService(t, memory.NewStore())
	notifier.err = errors.New("relay down")

	require.NoError(t, svc.RefreshBoards(ctx))
	assert.Len(t, notifier.boards, len(models.ServicePoints))
}

func TestApplyRejectsCallAction(t *testing.T) {
	svc, _, _ := newTestService(t, memory.NewStore())
	_, err := svc.Apply(context.Background(), "any", store.ActionCall)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFailedOperationsKeepServicePointLabel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.NewStore())

	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "p9", ServicePoint: models.Radiology})
	require.NoError(t, err)

	rejected := metrics.QueueOperations.WithLabelValues(string(store.ActionComplete), "radiology", metrics.OutcomeRejected)
	before := testutil.ToFloat64(rejected)
	_, err = svc.Complete(ctx, entry.QueueID)
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(rejected))

	urgent := models.PriorityUrgent
	_, err = svc.CallNext(ctx, models.Radiology)
	require.NoError(t, err)
	updateRejected := metrics.QueueOperations.WithLabelValues("update", "radiology", metrics.OutcomeRejected)
	before = testutil.ToFloat64(updateRejected)
	_, err = svc.UpdateEntry(ctx, entry.QueueID, store.EntryPatch{Priority: &urgent})
	require.ErrorIs(t, err, store.ErrNotEditable)
	assert.Equal(t, before+1, testutil.ToFloat64(updateRejected))

	missing := metrics.QueueOperations.WithLabelValues(string(store.ActionStart), metrics.ServicePointUnknown, metrics.OutcomeNotFound)
	before = testutil.ToFloat64(missing)
	_, err = svc.StartServing(ctx, "no-such-entry")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, before+1, testutil.ToFloat64(missing))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.QueueOperations.WithLabelValues(string(store.ActionStart), "", metrics.OutcomeNotFound)))
}

func TestAuditReplaysEventChain(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, memory.NewStore())

	entry, err := svc.Enqueue(ctx, EnqueueInput{PatientID: "p10", ServicePoint: models.Pharmacy, Notes: "allergic to penicillin"})
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = svc.CallNext(ctx, models.Pharmacy)
	require.NoError(t, err)
	clock.advance(time.Minute)
	_, err = svc.NoShow(ctx, entry.QueueID)
	require.NoError(t, err)

	audit, err := svc.Audit(ctx, entry.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 3, audit.Events)
	assert.True(t, audit.ChainValid, audit.ChainError)
	assert.True(t, audit.MatchesCurrent)
	assert.Equal(t, models.StatusNoShow, audit.Replayed.Status)
	assert.Equal(t, "allergic to penicillin", audit.Replayed.Notes)

	_, err = svc.Audit(ctx, "no-such-entry")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Package queue orchestrates the queue store, ticket issuer, scheduler and
// counter assignment into the operations staff terminals and displays use.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"qms/patient-queue/internal/counters"
	"qms/patient-queue/internal/metrics"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/patient"
	"qms/patient-queue/internal/scheduler"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/ticket"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrValidation = errors.New("validation failed")

// Notifier receives the refreshed call board of a service point.
type Notifier interface {
	PublishBoard(ctx context.Context, board models.CallBoard) error
}

type Options struct {
	Location *time.Location
	Labeler  *patient.Labeler
	Notifier Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	store    store.QueueStore
	issuer   ticket.Issuer
	labeler  *patient.Labeler
	notifier Notifier
	logger   zerolog.Logger
	loc      *time.Location
	now      func() time.Time
	tracer   trace.Tracer

	refreshing int32
}

func NewService(st store.QueueStore, issuer ticket.Issuer, opts Options) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    st,
		issuer:   issuer,
		labeler:  opts.Labeler,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		loc:      loc,
		now:      now,
		tracer:   otel.Tracer("qms/patient-queue/queue"),
	}
}

type EnqueueInput struct {
	PatientID    string
	ServicePoint models.ServicePoint
	Priority     models.Priority
	Notes        string
}

func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (models.QueueEntry, error) {
	ctx, span := s.startSpan(ctx, "queue.Enqueue", input.ServicePoint)
	defer span.End()

	entry, err := s.enqueue(ctx, input, "")
	s.finish(span, "enqueue", input.ServicePoint, err)
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.publish(ctx, entry.ServicePoint)
	return entry, nil
}

func (s *Service) enqueue(ctx context.Context, input EnqueueInput, transferredFrom string) (models.QueueEntry, error) {
	input.PatientID = strings.TrimSpace(input.PatientID)
	if input.PatientID == "" {
		return models.QueueEntry{}, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if _, ok := models.ParseServicePoint(string(input.ServicePoint)); !ok {
		return models.QueueEntry{}, fmt.Errorf("%w: unknown service point %q", ErrValidation, input.ServicePoint)
	}
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if _, ok := models.ParsePriority(string(input.Priority)); !ok {
		return models.QueueEntry{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, input.Priority)
	}

	now := s.now()
	tk, err := s.issuer.Issue(ctx, input.ServicePoint, ticket.Day(now, s.loc))
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry, err := s.store.Create(ctx, store.CreateEntryInput{
		PatientID:       input.PatientID,
		ServicePoint:    input.ServicePoint,
		Priority:        input.Priority,
		TicketNumber:    tk.Number,
		TicketSeq:       tk.Seq,
		ServiceDay:      tk.Day,
		Notes:           input.Notes,
		TransferredFrom: transferredFrom,
		EnqueueTime:     now,
	})
	if errors.Is(err, store.ErrDuplicateTicket) {
		// The issuer handed out a number twice. Not retried.
		s.logger.WithLevel(zerolog.FatalLevel).Err(err).
			Str("service_point", string(input.ServicePoint)).
			Str("ticket_number", tk.Number).
			Str("service_day", tk.Day).
			Msg("duplicate ticket issued")
		return models.QueueEntry{}, err
	}
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.logger.Info().
		Str("queue_id", entry.QueueID).
		Str("service_point", string(entry.ServicePoint)).
		Str("ticket_number", entry.TicketNumber).
		Str("priority", string(entry.Priority)).
		Msg("entry enqueued")
	return entry, nil
}

// CallNext calls the highest priority waiting entry of sp. When another
// terminal wins the race for the same entry the InvalidTransition error is
// returned as is; the caller re-queries.
func (s *Service) CallNext(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error) {
	ctx, span := s.startSpan(ctx, "queue.CallNext", sp)
	defer span.End()

	entry, err := s.callNext(ctx, sp)
	s.finish(span, "call_next", sp, err)
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.publish(ctx, sp)
	return entry, nil
}

func (s *Service) callNext(ctx context.Context, sp models.ServicePoint) (models.QueueEntry, error) {
	if _, ok := models.ParseServicePoint(string(sp)); !ok {
		return models.QueueEntry{}, fmt.Errorf("%w: unknown service point %q", ErrValidation, sp)
	}
	waiting, err := s.store.List(ctx, store.ListFilter{ServicePoint: sp, Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		return models.QueueEntry{}, err
	}
	next, ok := scheduler.NextWaiting(waiting)
	if !ok {
		return models.QueueEntry{}, store.ErrNoWaitingEntries
	}
	called, err := s.store.Apply(ctx, store.ApplyInput{QueueID: next.QueueID, Action: store.ActionCall, OccurredAt: s.now()})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if called.CalledTime != nil {
		metrics.WaitTime.WithLabelValues(string(sp)).Observe(called.CalledTime.Sub(called.EnqueueTime).Seconds())
	}
	s.withCounter(ctx, &called)
	s.logger.Info().
		Str("queue_id", called.QueueID).
		Str("service_point", string(sp)).
		Str("ticket_number", called.TicketNumber).
		Msg("entry called")
	return called, nil
}

func (s *Service) StartServing(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return s.transition(ctx, queueID, store.ActionStart)
}

func (s *Service) Complete(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return s.transition(ctx, queueID, store.ActionComplete)
}

func (s *Service) NoShow(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return s.transition(ctx, queueID, store.ActionNoShow)
}

func (s *Service) Reschedule(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return s.transition(ctx, queueID, store.ActionReschedule)
}

// Apply runs a named action; it backs the generic actions endpoint.
func (s *Service) Apply(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error) {
	if _, ok := store.LookupTransition(action); !ok || action == store.ActionCall {
		return models.QueueEntry{}, fmt.Errorf("%w: unsupported action %q", ErrValidation, action)
	}
	return s.transition(ctx, queueID, action)
}

func (s *Service) transition(ctx context.Context, queueID string, action store.Action) (models.QueueEntry, error) {
	ctx, span := s.tracer.Start(ctx, "queue."+string(action), trace.WithAttributes(attribute.String("queue_id", queueID)))
	defer span.End()

	entry, err := s.store.Apply(ctx, store.ApplyInput{QueueID: queueID, Action: action, OccurredAt: s.now()})
	if err != nil {
		s.finish(span, string(action), s.servicePointOf(ctx, queueID), err)
		return models.QueueEntry{}, err
	}
	s.finish(span, string(action), entry.ServicePoint, nil)
	s.withCounter(ctx, &entry)
	s.logger.Info().
		Str("queue_id", entry.QueueID).
		Str("service_point", string(entry.ServicePoint)).
		Str("status", string(entry.Status)).
		Msg("entry " + string(action))
	s.publish(ctx, entry.ServicePoint)
	return entry, nil
}

type TransferResult struct {
	Source      models.QueueEntry `json:"source"`
	Destination models.QueueEntry `json:"destination"`
}

// Transfer completes a serving entry and enqueues the same patient at
// destination with the same priority.
func (s *Service) Transfer(ctx context.Context, queueID string, destination models.ServicePoint) (TransferResult, error) {
	ctx, span := s.tracer.Start(ctx, "queue.Transfer", trace.WithAttributes(
		attribute.String("queue_id", queueID),
		attribute.String("destination", string(destination)),
	))
	defer span.End()

	result, err := s.transfer(ctx, queueID, destination)
	sp := result.Source.ServicePoint
	if sp == "" {
		sp = s.servicePointOf(ctx, queueID)
	}
	s.finish(span, "transfer", sp, err)
	if err != nil {
		return TransferResult{}, err
	}
	s.publish(ctx, result.Source.ServicePoint)
	s.publish(ctx, result.Destination.ServicePoint)
	return result, nil
}

func (s *Service) transfer(ctx context.Context, queueID string, destination models.ServicePoint) (TransferResult, error) {
	if _, ok := models.ParseServicePoint(string(destination)); !ok {
		return TransferResult{}, fmt.Errorf("%w: unknown service point %q", ErrValidation, destination)
	}
	source, err := s.store.Get(ctx, queueID)
	if err != nil {
		return TransferResult{}, err
	}
	if source.ServicePoint == destination {
		return TransferResult{}, fmt.Errorf("%w: destination equals current service point", ErrValidation)
	}
	completed, err := s.store.Apply(ctx, store.ApplyInput{QueueID: queueID, Action: store.ActionComplete, OccurredAt: s.now()})
	if err != nil {
		return TransferResult{}, err
	}
	next, err := s.enqueue(ctx, EnqueueInput{
		PatientID:    completed.PatientID,
		ServicePoint: destination,
		Priority:     completed.Priority,
		Notes:        completed.Notes,
	}, completed.QueueID)
	if err != nil {
		return TransferResult{Source: completed}, err
	}
	return TransferResult{Source: completed, Destination: next}, nil
}

func (s *Service) UpdateEntry(ctx context.Context, queueID string, patch store.EntryPatch) (models.QueueEntry, error) {
	if patch.Priority != nil {
		if _, ok := models.ParsePriority(string(*patch.Priority)); !ok {
			return models.QueueEntry{}, fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.Priority)
		}
	}
	if patch.Priority == nil && patch.Notes == nil {
		return models.QueueEntry{}, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	entry, err := s.store.Update(ctx, queueID, patch)
	if err != nil {
		metrics.QueueOperations.WithLabelValues("update", servicePointLabel(s.servicePointOf(ctx, queueID)), outcome(err)).Inc()
		return models.QueueEntry{}, err
	}
	metrics.QueueOperations.WithLabelValues("update", servicePointLabel(entry.ServicePoint), metrics.OutcomeOK).Inc()
	s.withCounter(ctx, &entry)
	s.publish(ctx, entry.ServicePoint)
	return entry, nil
}

func (s *Service) Get(ctx context.Context, queueID string) (models.QueueEntry, error) {
	entry, err := s.store.Get(ctx, queueID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	s.withCounter(ctx, &entry)
	return entry, nil
}

func (s *Service) List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	return s.store.List(ctx, filter)
}

func (s *Service) History(ctx context.Context, queueID string) ([]store.EntryEvent, error) {
	return s.store.ListEvents(ctx, queueID)
}

// Audit is the result of replaying an entry's event chain.
type Audit struct {
	QueueID        string            `json:"queue_id"`
	Events         int               `json:"events"`
	ChainValid     bool              `json:"chain_valid"`
	ChainError     string            `json:"chain_error,omitempty"`
	Replayed       models.QueueEntry `json:"replayed"`
	MatchesCurrent bool              `json:"matches_current"`
}

// Audit verifies the hash chain of an entry and rebuilds the entry from its
// events to compare against the stored row.
func (s *Service) Audit(ctx context.Context, queueID string) (Audit, error) {
	current, err := s.store.Get(ctx, queueID)
	if err != nil {
		return Audit{}, err
	}
	events, err := s.store.ListEvents(ctx, queueID)
	if err != nil {
		return Audit{}, err
	}
	audit := Audit{QueueID: current.QueueID, Events: len(events), ChainValid: true}
	if err := store.VerifyChain(events); err != nil {
		audit.ChainValid = false
		audit.ChainError = err.Error()
	}
	replayed, err := store.RehydrateEntry(events)
	if err != nil {
		audit.ChainValid = false
		audit.ChainError = fmt.Sprintf("replay: %v", err)
		return audit, nil
	}
	audit.Replayed = replayed
	audit.MatchesCurrent = sameRecord(replayed, current)
	if !audit.ChainValid || !audit.MatchesCurrent {
		s.logger.Warn().
			Str("queue_id", queueID).
			Bool("chain_valid", audit.ChainValid).
			Bool("matches_current", audit.MatchesCurrent).
			Msg("audit mismatch")
	}
	return audit, nil
}

func sameRecord(a, b models.QueueEntry) bool {
	return a.QueueID == b.QueueID &&
		a.PatientID == b.PatientID &&
		a.ServicePoint == b.ServicePoint &&
		a.TicketNumber == b.TicketNumber &&
		a.Priority == b.Priority &&
		a.Status == b.Status &&
		a.Notes == b.Notes &&
		sameTime(a.CalledTime, b.CalledTime) &&
		sameTime(a.StartTime, b.StartTime) &&
		sameTime(a.CompletionTime, b.CompletionTime)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Waiting returns the waiting entries of sp in call order with 1-based positions.
func (s *Service) Waiting(ctx context.Context, sp models.ServicePoint) ([]models.WaitingPosition, error) {
	entries, err := s.store.List(ctx, store.ListFilter{ServicePoint: sp, Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		return nil, err
	}
	ordered := scheduler.Order(entries)
	positions := make([]models.WaitingPosition, 0, len(ordered))
	for i, entry := range ordered {
		positions = append(positions, models.WaitingPosition{Position: i + 1, Entry: entry})
	}
	return positions, nil
}

// Board builds the "now calling" view of sp with patient labels resolved.
func (s *Service) Board(ctx context.Context, sp models.ServicePoint) (models.CallBoard, error) {
	entries, err := s.store.List(ctx, store.ListFilter{
		ServicePoint: sp,
		Statuses:     []models.Status{models.StatusWaiting, models.StatusCalled, models.StatusServing},
	})
	if err != nil {
		return models.CallBoard{}, err
	}
	board := models.CallBoard{ServicePoint: sp, Calls: []models.ActiveCall{}, GeneratedAt: s.now()}
	for _, entry := range entries {
		if entry.Status == models.StatusWaiting {
			board.WaitingCount++
		}
	}
	active := counters.Assign(entries)
	patientIDs := make([]string, 0, len(active))
	for _, entry := range active {
		patientIDs = append(patientIDs, entry.PatientID)
	}
	labels := s.labeler.Labels(ctx, patientIDs)
	for _, entry := range active {
		board.Calls = append(board.Calls, models.ActiveCall{
			Counter:      *entry.AssignedCounter,
			QueueID:      entry.QueueID,
			TicketNumber: entry.TicketNumber,
			PatientLabel: labels[entry.PatientID],
			Priority:     entry.Priority,
			Status:       entry.Status,
			CalledTime:   entry.CalledTime,
			StartTime:    entry.StartTime,
		})
	}
	return board, nil
}

func (s *Service) ActiveCalls(ctx context.Context, sp models.ServicePoint) ([]models.ActiveCall, error) {
	board, err := s.Board(ctx, sp)
	if err != nil {
		return nil, err
	}
	return board.Calls, nil
}

// ActiveCall returns the call shown at counter n of sp, if any.
func (s *Service) ActiveCall(ctx context.Context, sp models.ServicePoint, counter int) (models.ActiveCall, bool, error) {
	entries, err := s.store.List(ctx, store.ListFilter{
		ServicePoint: sp,
		Statuses:     []models.Status{models.StatusCalled, models.StatusServing},
	})
	if err != nil {
		return models.ActiveCall{}, false, err
	}
	entry, ok := counters.AtCounter(entries, counter)
	if !ok {
		return models.ActiveCall{}, false, nil
	}
	return models.ActiveCall{
		Counter:      counter,
		QueueID:      entry.QueueID,
		TicketNumber: entry.TicketNumber,
		PatientLabel: s.labeler.Label(ctx, entry.PatientID),
		Priority:     entry.Priority,
		Status:       entry.Status,
		CalledTime:   entry.CalledTime,
		StartTime:    entry.StartTime,
	}, true, nil
}

// RefreshBoards republishes every service point's board and updates gauges.
func (s *Service) RefreshBoards(ctx context.Context) error {
	var firstErr error
	for _, sp := range models.ServicePoints {
		board, err := s.Board(ctx, sp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.ActiveCalls.WithLabelValues(string(sp)).Set(float64(len(board.Calls)))
		metrics.WaitingEntries.WithLabelValues(string(sp)).Set(float64(board.WaitingCount))
		s.notify(ctx, board)
	}
	return firstErr
}

// RunRefresh calls RefreshBoards every interval until ctx is done. A cycle is
// skipped while the previous one is still running.
func (s *Service) RunRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&s.refreshing, 0, 1) {
				continue
			}
			cycleCtx, cancel := context.WithTimeout(ctx, interval)
			if err := s.RefreshBoards(cycleCtx); err != nil {
				s.logger.Warn().Err(err).Msg("refresh boards")
			}
			cancel()
			atomic.StoreInt32(&s.refreshing, 0)
		}
	}
}

func (s *Service) publish(ctx context.Context, sp models.ServicePoint) {
	if s.notifier == nil || sp == "" {
		return
	}
	board, err := s.Board(ctx, sp)
	if err != nil {
		s.logger.Warn().Err(err).Str("service_point", string(sp)).Msg("build board")
		return
	}
	s.notify(ctx, board)
}

func (s *Service) notify(ctx context.Context, board models.CallBoard) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishBoard(ctx, board); err != nil {
		s.logger.Warn().Err(err).Str("service_point", string(board.ServicePoint)).Msg("publish board")
	}
}

// withCounter fills the derived counter of an active entry.
func (s *Service) withCounter(ctx context.Context, entry *models.QueueEntry) {
	if !entry.Status.Active() {
		return
	}
	active, err := s.store.List(ctx, store.ListFilter{
		ServicePoint: entry.ServicePoint,
		Statuses:     []models.Status{models.StatusCalled, models.StatusServing},
	})
	if err != nil {
		return
	}
	if n, ok := counters.CounterOf(active, entry.QueueID); ok {
		entry.AssignedCounter = &n
	}
}

func (s *Service) startSpan(ctx context.Context, name string, sp models.ServicePoint) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("service_point", string(sp))))
}

func (s *Service) finish(span trace.Span, operation string, sp models.ServicePoint, err error) {
	metrics.QueueOperations.WithLabelValues(operation, servicePointLabel(sp), outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// servicePointOf looks up the service point of a failed operation's entry.
func (s *Service) servicePointOf(ctx context.Context, queueID string) models.ServicePoint {
	entry, err := s.store.Get(ctx, queueID)
	if err != nil {
		return ""
	}
	return entry.ServicePoint
}

// servicePointLabel keeps metric labels within the known service points.
func servicePointLabel(sp models.ServicePoint) string {
	if _, ok := models.ParseServicePoint(string(sp)); !ok {
		return metrics.ServicePointUnknown
	}
	return string(sp)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotEditable), errors.Is(err, ErrValidation):
		return metrics.OutcomeRejected
	case errors.Is(err, store.ErrNoWaitingEntries):
		return metrics.OutcomeEmpty
	case errors.Is(err, store.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, store.ErrStoreUnavailable):
		return metrics.OutcomeUnavailable
	}
	return metrics.OutcomeError
}

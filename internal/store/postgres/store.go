package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation    = "23505"
	ticketConstraint   = "queue_entries_ticket_key"
	entryColumns       = `queue_id, patient_id, service_point, ticket_number, ticket_seq, to_char(service_day, 'YYYY-MM-DD'), priority, status, enqueue_time, called_time, start_time, completion_time, notes, transferred_from`
	timestampPrecision = time.Microsecond
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, input store.CreateEntryInput) (entry models.QueueEntry, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	enqueued := input.EnqueueTime
	if enqueued.IsZero() {
		enqueued = s.now()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (
			queue_id, patient_id, service_point, ticket_number, ticket_seq, service_day,
			priority, status, enqueue_time, notes, transferred_from
		) VALUES ($1,$2,$3,$4,$5,$6::date,$7,$8,$9,$10,$11)
		RETURNING `+entryColumns,
		uuid.NewString(), input.PatientID, input.ServicePoint, input.TicketNumber, input.TicketSeq, input.ServiceDay,
		input.Priority, models.StatusWaiting, enqueued.Truncate(timestampPrecision), input.Notes, nullIfEmpty(input.TransferredFrom))
	if entry, err = scanEntry(row); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, store.EventCreated, s.now()); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) Get(ctx context.Context, queueID string) (models.QueueEntry, error) {
	if _, err := uuid.Parse(queueID); err != nil {
		return models.QueueEntry{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE queue_id = $1`, queueID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrNotFound
		}
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (s *Store) List(ctx context.Context, filter store.ListFilter) ([]models.QueueEntry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.ServicePoint != "" {
		args = append(args, filter.ServicePoint)
		clauses = append(clauses, fmt.Sprintf("service_point = $%d", len(args)))
	}
	if filter.Day != "" {
		args = append(args, filter.Day)
		clauses = append(clauses, fmt.Sprintf("service_day = $%d::date", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY enqueue_time ASC, ticket_seq ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (s *Store) Update(ctx context.Context, queueID string, patch store.EntryPatch) (entry models.QueueEntry, err error) {
	if _, parseErr := uuid.Parse(queueID); parseErr != nil {
		return models.QueueEntry{}, store.ErrNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var priority interface{}
	if patch.Priority != nil {
		priority = string(*patch.Priority)
	}
	var notes interface{}
	if patch.Notes != nil {
		notes = *patch.Notes
	}
	// A priority change only lands while the entry is still waiting.
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET notes = COALESCE($2::text, notes), priority = COALESCE($3::text, priority)
		WHERE queue_id = $1 AND ($3::text IS NULL OR status = 'waiting')
		RETURNING `+entryColumns, queueID, notes, priority)
	entry, err = scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		_, found, loadErr := loadEntryStatus(ctx, tx, queueID)
		switch {
		case loadErr != nil:
			err = classify(loadErr)
		case !found:
			err = store.ErrNotFound
		default:
			err = store.ErrNotEditable
		}
		return models.QueueEntry{}, err
	}
	if err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, store.EventUpdated, s.now()); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// Apply performs the status change as a single conditional UPDATE. When the
// guard does not match, the current row is read back only to report why.
func (s *Store) Apply(ctx context.Context, input store.ApplyInput) (entry models.QueueEntry, err error) {
	transition, ok := store.LookupTransition(input.Action)
	if !ok {
		return models.QueueEntry{}, store.ErrUnknownAction
	}
	if _, parseErr := uuid.Parse(input.QueueID); parseErr != nil {
		return models.QueueEntry{}, store.ErrNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	at := input.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	stamp := string(transition.Stamp)
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE queue_entries
		SET status = $1, %[1]s = COALESCE(%[1]s, $2)
		WHERE queue_id = $3 AND status = $4
		RETURNING %[2]s
	`, stamp, entryColumns), transition.To, at.Truncate(timestampPrecision), input.QueueID, transition.From)
	entry, err = scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, found, loadErr := loadEntryStatus(ctx, tx, input.QueueID)
		switch {
		case loadErr != nil:
			err = classify(loadErr)
		case !found:
			err = store.ErrNotFound
		default:
			_, err = store.CheckTransition(input.QueueID, input.Action, current)
			if err == nil {
				// Status moved back under us between the UPDATE and the read.
				err = &store.InvalidTransitionError{QueueID: input.QueueID, Action: input.Action, Current: current, Requested: transition.To}
			}
		}
		return models.QueueEntry{}, err
	}
	if err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = insertEntryEvent(ctx, tx, entry, input.Action.EventType(), s.now()); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListEvents(ctx context.Context, queueID string) ([]store.EntryEvent, error) {
	if _, err := s.Get(ctx, queueID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT queue_id, seq, type, payload, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE queue_id = $1
		ORDER BY seq ASC
	`, queueID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload []byte
		if err := rows.Scan(&event.QueueID, &event.Seq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, classify(err)
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable(err)
	}
	return nil
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, eventType string, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.QueueID); err != nil {
		return err
	}

	var prev *store.EntryEvent
	var last store.EntryEvent
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM queue_entry_events
		WHERE queue_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, entry.QueueID)
	switch err := row.Scan(&last.Seq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	payload, err := store.EventPayload(entry)
	if err != nil {
		return err
	}
	event := store.ChainEvent(prev, entry.QueueID, eventType, payload, at.UTC().Truncate(timestampPrecision))
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entry_events (queue_id, seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.QueueID, event.Seq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func loadEntryStatus(ctx context.Context, tx pgx.Tx, queueID string) (models.Status, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM queue_entries WHERE queue_id = $1`, queueID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return models.Status(status), true, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var servicePoint, priority, status string
	var calledNull, startNull, completionNull sql.NullTime
	var transferredNull sql.NullString
	if err := row.Scan(
		&entry.QueueID, &entry.PatientID, &servicePoint, &entry.TicketNumber, &entry.TicketSeq, &entry.ServiceDay,
		&priority, &status, &entry.EnqueueTime, &calledNull, &startNull, &completionNull, &entry.Notes, &transferredNull,
	); err != nil {
		return models.QueueEntry{}, err
	}
	entry.ServicePoint = models.ServicePoint(servicePoint)
	entry.Priority = models.Priority(priority)
	entry.Status = models.Status(status)
	entry.EnqueueTime = entry.EnqueueTime.UTC()
	entry.CalledTime = nullTimePtr(calledNull)
	entry.StartTime = nullTimePtr(startNull)
	entry.CompletionTime = nullTimePtr(completionNull)
	if transferredNull.Valid {
		entry.TransferredFrom = transferredNull.String
	}
	return entry, nil
}

// classify maps driver errors onto the store's error kinds. Anything that is
// not a known constraint violation is treated as the backend being unavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrNotEditable) || errors.Is(err, store.ErrDuplicateTicket) ||
		errors.Is(err, store.ErrStoreUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == ticketConstraint {
		return fmt.Errorf("%w: %s", store.ErrDuplicateTicket, pgErr.Detail)
	}
	return store.Unavailable(err)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

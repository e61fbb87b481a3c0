package ticket

import (
	"context"

	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIssuer keeps one counter row per (service point, day). The upsert
// takes a row lock, so concurrent issuers are serialized by the database.
type PostgresIssuer struct {
	pool *pgxpool.Pool
}

func NewPostgresIssuer(pool *pgxpool.Pool) *PostgresIssuer {
	return &PostgresIssuer{pool: pool}
}

func (i *PostgresIssuer) Issue(ctx context.Context, sp models.ServicePoint, day string) (Ticket, error) {
	var next int64
	row := i.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_point, service_day, next_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (service_point, service_day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, sp, day)
	if err := row.Scan(&next); err != nil {
		return Ticket{}, store.Unavailable(err)
	}
	return newTicket(sp, day, next), nil
}

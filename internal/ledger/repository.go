package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append runs inside the caller's transaction so the entry commits with the
// payment status change it describes. A second entry of the same type for
// the same payment is ignored.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO payment_ledger (id, payment_id, task_id, payer_id, payee_id, type,
			gross_minor, platform_fee_minor, payee_minor, currency, intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_id, type) DO UPDATE SET id = payment_ledger.id
		RETURNING id, created_at
	`, e.ID, e.PaymentID, e.TaskID, e.PayerID, e.PayeeID, e.Type,
		e.GrossMinor, e.PlatformFeeMinor, e.PayeeMinor, e.Currency, e.IntentID,
	).Scan(&e.ID, &e.CreatedAt)
}

// ListByUser returns the newest entries where the user paid or was paid.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_id, task_id, payer_id, payee_id, type,
			gross_minor, platform_fee_minor, payee_minor, currency, intent_id, created_at
		FROM payment_ledger
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.TaskID, &e.PayerID, &e.PayeeID, &e.Type,
			&e.GrossMinor, &e.PlatformFeeMinor, &e.PayeeMinor, &e.Currency, &e.IntentID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

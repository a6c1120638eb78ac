package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

const paymentColumns = `id, task_id, offer_id, payer_id, payee_id, gross_minor, platform_fee_minor, payee_minor, currency, intent_id, status, captured_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.TaskID, &p.OfferID, &p.PayerID, &p.PayeeID, &p.GrossMinor, &p.PlatformFeeMinor, &p.PayeeMinor, &p.Currency, &p.IntentID, &p.Status, &p.CapturedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, translate(err, "payment")
	}
	return &p, nil
}

// CreateTx inserts the escrow record inside the acceptance transaction.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (id, task_id, offer_id, payer_id, payee_id, gross_minor, platform_fee_minor, payee_minor, currency, intent_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, p.ID, p.TaskID, p.OfferID, p.PayerID, p.PayeeID, p.GrossMinor, p.PlatformFeeMinor, p.PayeeMinor, p.Currency, p.IntentID, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	return translate(err, "payment")
}

func (r *PaymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepo) GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE task_id = $1`, taskID))
}

// GetByTaskIDForUpdate locks the payment row. Call within a transaction.
func (r *PaymentRepo) GetByTaskIDForUpdate(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE task_id = $1 FOR UPDATE`, taskID))
}

// UpdateStatus is a compare-and-set on payment status; moving to completed
// stamps captured_at.
func (r *PaymentRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.PaymentStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = $3,
			captured_at = CASE WHEN $3 = 'completed' THEN now() ELSE captured_at END,
			updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("payment %s is not %s", id, from)
	}
	return nil
}

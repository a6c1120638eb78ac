package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

type OfferRepo struct {
	pool *pgxpool.Pool
}

func NewOfferRepo(pool *pgxpool.Pool) *OfferRepo {
	return &OfferRepo{pool: pool}
}

const offerColumns = `id, task_id, bidder_id, amount_minor, currency, message, status, created_at, updated_at`

func scanOffer(row pgx.Row) (*models.Offer, error) {
	var o models.Offer
	err := row.Scan(&o.ID, &o.TaskID, &o.BidderID, &o.Amount.Minor, &o.Amount.Currency, &o.Message, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, translate(err, "offer")
	}
	return &o, nil
}

// Create inserts the offer only while its task is open. FOR SHARE makes the
// insert wait for an acceptance holding the task row and then re-check the
// status, so an offer can never slip past the sibling rejection.
func (r *OfferRepo) Create(ctx context.Context, o *models.Offer) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO offers (id, task_id, bidder_id, amount_minor, currency, message, status)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = $2 AND status = 'open' FOR SHARE)
		RETURNING created_at, updated_at
	`, o.ID, o.TaskID, o.BidderID, o.Amount.Minor, o.Amount.Currency, o.Message, o.Status).Scan(&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Conflict("task %s no longer takes offers", o.TaskID)
	}
	return translate(err, "offer")
}

func (r *OfferRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error) {
	return scanOffer(r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

func (r *OfferRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Offer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+offerColumns+` FROM offers WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// Accept resolves every pending offer on the task in one transaction: the
// chosen offer becomes accepted, the rest rejected. It returns the bidders
// whose offers were rejected. The partial unique index on accepted offers
// backs this up if two transactions ever get this far.
func (r *OfferRepo) Accept(ctx context.Context, tx pgx.Tx, taskID, offerID uuid.UUID) ([]uuid.UUID, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE offers SET status = 'accepted', updated_at = now()
		WHERE id = $1 AND task_id = $2 AND status = 'pending'
	`, offerID, taskID)
	if err != nil {
		return nil, translate(err, "accepted offer")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.Conflict("offer %s is not pending", offerID)
	}
	rows, err := tx.Query(ctx, `
		UPDATE offers SET status = 'rejected', updated_at = now()
		WHERE task_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING bidder_id
	`, taskID, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rejected []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rejected = append(rejected, id)
	}
	return rejected, rows.Err()
}

// Withdraw lets a bidder retract a pending offer.
func (r *OfferRepo) Withdraw(ctx context.Context, offerID, bidderID uuid.UUID) (*models.Offer, error) {
	o, err := scanOffer(r.pool.QueryRow(ctx, `
		UPDATE offers SET status = 'withdrawn', updated_at = now()
		WHERE id = $1 AND bidder_id = $2 AND status = 'pending'
		RETURNING `+offerColumns, offerID, bidderID))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Conflict("offer %s is not a pending offer of this bidder", offerID)
	}
	return o, err
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/models"
)

// DefaultReceiptPrefix is prepended to the zero-padded sequence value.
const DefaultReceiptPrefix = "TK"

type ReceiptRepo struct {
	pool   *pgxpool.Pool
	prefix string
}

func NewReceiptRepo(pool *pgxpool.Pool, prefix string) *ReceiptRepo {
	if prefix == "" {
		prefix = DefaultReceiptPrefix
	}
	return &ReceiptRepo{pool: pool, prefix: prefix}
}

const receiptColumns = `id, number, task_id, poster_id, tasker_id, type, snapshot, generated_at`

func scanReceipt(row pgx.Row) (*models.Receipt, error) {
	var rc models.Receipt
	var snap []byte
	if err := row.Scan(&rc.ID, &rc.Number, &rc.TaskID, &rc.PosterID, &rc.TaskerID, &rc.Type, &snap, &rc.GeneratedAt); err != nil {
		return nil, translate(err, "receipt")
	}
	if err := json.Unmarshal(snap, &rc.Snapshot); err != nil {
		return nil, fmt.Errorf("decode receipt snapshot %s: %w", rc.Number, err)
	}
	return &rc, nil
}

// Insert stores a receipt and assigns its number from receipt_number_seq.
// A second receipt of the same type for the same task fails with ErrConflict.
// A sequence value burned by a conflicting insert leaves a gap; numbers are
// unique, not dense.
func (r *ReceiptRepo) Insert(ctx context.Context, rc *models.Receipt) error {
	snap, err := json.Marshal(rc.Snapshot)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO receipts (id, number, task_id, poster_id, tasker_id, type, snapshot)
		VALUES ($1, $2 || lpad(nextval('receipt_number_seq')::text, 8, '0'), $3, $4, $5, $6, $7)
		RETURNING number, generated_at
	`, rc.ID, r.prefix, rc.TaskID, rc.PosterID, rc.TaskerID, rc.Type, snap).Scan(&rc.Number, &rc.GeneratedAt)
	return translate(err, "receipt")
}

func (r *ReceiptRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE task_id = $1 ORDER BY type DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rc)
	}
	return list, rows.Err()
}

func (r *ReceiptRepo) GetByNumber(ctx context.Context, number string) (*models.Receipt, error) {
	return scanReceipt(r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE number = $1`, number))
}

package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/models"
)

type ReviewRepo struct {
	pool *pgxpool.Pool
}

func NewReviewRepo(pool *pgxpool.Pool) *ReviewRepo {
	return &ReviewRepo{pool: pool}
}

const reviewColumns = `id, task_id, reviewer_id, reviewee_id, reviewer_role, rating, text, visible, created_at`

func scanReview(row pgx.Row) (*models.Review, error) {
	var rv models.Review
	if err := row.Scan(&rv.ID, &rv.TaskID, &rv.ReviewerID, &rv.RevieweeID, &rv.ReviewerRole, &rv.Rating, &rv.Text, &rv.Visible, &rv.CreatedAt); err != nil {
		return nil, translate(err, "review")
	}
	return &rv, nil
}

func collectReviews(rows pgx.Rows) ([]*models.Review, error) {
	defer rows.Close()
	var list []*models.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rv)
	}
	return list, rows.Err()
}

// Create inserts a review. A second review by the same reviewer of the same
// reviewee on the same task fails with ErrConflict.
func (r *ReviewRepo) Create(ctx context.Context, rv *models.Review) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO reviews (id, task_id, reviewer_id, reviewee_id, reviewer_role, rating, text, visible)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rv.ID, rv.TaskID, rv.ReviewerID, rv.RevieweeID, rv.ReviewerRole, rv.Rating, rv.Text, rv.Visible).Scan(&rv.CreatedAt)
	return translate(err, "review")
}

// ListVisibleByReviewee reads every visible review of a user inside the
// recomputation transaction.
func (r *ReviewRepo) ListVisibleByReviewee(ctx context.Context, tx pgx.Tx, revieweeID uuid.UUID) ([]*models.Review, error) {
	rows, err := tx.Query(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE reviewee_id = $1 AND visible ORDER BY created_at DESC`, revieweeID)
	if err != nil {
		return nil, err
	}
	return collectReviews(rows)
}

func (r *ReviewRepo) ListRecentVisible(ctx context.Context, revieweeID uuid.UUID, limit int) ([]*models.Review, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE reviewee_id = $1 AND visible ORDER BY created_at DESC LIMIT $2`, revieweeID, limit)
	if err != nil {
		return nil, err
	}
	return collectReviews(rows)
}

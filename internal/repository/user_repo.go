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

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, email, display_name, password_hash, ratings, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var ratings []byte
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &ratings, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, translate(err, "user")
	}
	if len(ratings) > 0 {
		if err := json.Unmarshal(ratings, &u.Ratings); err != nil {
			return nil, fmt.Errorf("decode ratings for user %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	ratings, err := json.Marshal(u.Ratings)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, ratings)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, ratings).Scan(&u.CreatedAt, &u.UpdatedAt)
	return translate(err, "user")
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// LockForUpdate takes the row lock that serialises rating recomputation for
// one user. Call within a transaction.
func (r *UserRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	return translate(err, "user")
}

// UpdateRatings overwrites the stored rating summary. Call after LockForUpdate in the same tx.
func (r *UserRepo) UpdateRatings(ctx context.Context, tx pgx.Tx, id uuid.UUID, ratings models.UserRatings) error {
	raw, err := json.Marshal(ratings)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE users SET ratings = $2, updated_at = now() WHERE id = $1`, id, raw)
	return err
}

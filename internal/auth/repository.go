package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/models"
)

// Repository is the slice of user storage auth needs. repository.UserRepo
// satisfies it; Create reports a taken email as apperr.ErrConflict and a
// missing row as apperr.ErrNotFound.
type Repository interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

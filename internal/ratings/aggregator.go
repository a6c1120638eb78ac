package ratings

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/models"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserRatingStore locks a user row and overwrites its rating summary.
type UserRatingStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	UpdateRatings(ctx context.Context, tx pgx.Tx, id uuid.UUID, ratings models.UserRatings) error
}

type VisibleReviewLister interface {
	ListVisibleByReviewee(ctx context.Context, tx pgx.Tx, revieweeID uuid.UUID) ([]*models.Review, error)
}

// Aggregator holds no state of its own; every call reads the full review set.
type Aggregator struct {
	pool    TxBeginner
	users   UserRatingStore
	reviews VisibleReviewLister
	cache   StatsCache
	log     *slog.Logger
}

func NewAggregator(pool TxBeginner, users UserRatingStore, reviews VisibleReviewLister, cache StatsCache, log *slog.Logger) *Aggregator {
	if cache == nil {
		cache = NopCache{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{pool: pool, users: users, reviews: reviews, cache: cache, log: log}
}

// OnReviewCreated recomputes the reviewee's aggregates.
func (a *Aggregator) OnReviewCreated(ctx context.Context, review *models.Review) error {
	_, err := a.Recompute(ctx, review.RevieweeID)
	return err
}

// Recompute rebuilds a user's aggregates from scratch. The user row lock
// serialises concurrent recomputations so the last writer saw every review
// committed before it.
func (a *Aggregator) Recompute(ctx context.Context, userID uuid.UUID) (models.UserRatings, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return models.UserRatings{}, err
	}
	defer tx.Rollback(ctx)

	if err := a.users.LockForUpdate(ctx, tx, userID); err != nil {
		return models.UserRatings{}, err
	}
	reviews, err := a.reviews.ListVisibleByReviewee(ctx, tx, userID)
	if err != nil {
		return models.UserRatings{}, err
	}
	ratings := Compute(reviews)
	if err := a.users.UpdateRatings(ctx, tx, userID, ratings); err != nil {
		return models.UserRatings{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.UserRatings{}, err
	}

	if err := a.cache.Invalidate(ctx, userID); err != nil {
		a.log.Warn("rating stats cache invalidation failed", "user_id", userID, "error", err)
	}
	a.log.Info("ratings recomputed", "user_id", userID, "count", ratings.Overall.Count, "average", ratings.Overall.Average)
	return ratings, nil
}

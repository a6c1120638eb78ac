package ratings

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
)

// RecentReviewLimit caps the review list returned with rating stats.
const RecentReviewLimit = 10

type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type ReviewStore interface {
	Create(ctx context.Context, r *models.Review) error
	ListRecentVisible(ctx context.Context, revieweeID uuid.UUID, limit int) ([]*models.Review, error)
}

// Jobs enqueues background work for reviews; tx may be nil.
type Jobs interface {
	EnqueueNotification(ctx context.Context, tx pgx.Tx, ev notify.Event) error
	EnqueueRecomputeRatings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

type ReviewInput struct {
	TaskID     uuid.UUID
	ReviewerID uuid.UUID
	Rating     int
	Text       string
}

// Stats is the rating-stats view of a user.
type Stats struct {
	UserID        uuid.UUID              `json:"user_id"`
	Overall       models.RatingAggregate `json:"overall"`
	AsPoster      models.RatingAggregate `json:"as_poster"`
	AsTasker      models.RatingAggregate `json:"as_tasker"`
	RecentReviews []*models.Review       `json:"recent_reviews"`
}

type Service interface {
	CreateReview(ctx context.Context, revieweeID uuid.UUID, in ReviewInput) (*models.Review, error)
	RatingStats(ctx context.Context, userID uuid.UUID) (*Stats, error)
}

type service struct {
	tasks      TaskReader
	users      UserReader
	reviews    ReviewStore
	aggregator *Aggregator
	cache      StatsCache
	jobs       Jobs
	log        *slog.Logger
}

func NewService(tasks TaskReader, users UserReader, reviews ReviewStore, aggregator *Aggregator, cache StatsCache, jobs Jobs, log *slog.Logger) *service {
	if cache == nil {
		cache = NopCache{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{tasks: tasks, users: users, reviews: reviews, aggregator: aggregator, cache: cache, jobs: jobs, log: log}
}

var _ Service = (*service)(nil)

// CreateReview stores a review of revieweeID by the other participant of a
// completed task, then recomputes the reviewee's aggregates. The reviewer's
// role is derived from the task, never taken from the request.
func (s *service) CreateReview(ctx context.Context, revieweeID uuid.UUID, in ReviewInput) (*models.Review, error) {
	if in.Rating < models.MinRating || in.Rating > models.MaxRating {
		return nil, apperr.Validation("rating must be between %d and %d", models.MinRating, models.MaxRating)
	}
	text := strings.TrimSpace(in.Text)
	if len([]rune(text)) > models.MaxReviewTextLen {
		return nil, apperr.Validation("review text exceeds %d characters", models.MaxReviewTextLen)
	}
	if in.ReviewerID == revieweeID {
		return nil, apperr.Validation("users cannot review themselves")
	}

	task, err := s.tasks.GetByID(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusCompleted {
		return nil, apperr.Conflict("task %s is %s; reviews open once it is completed", task.ID, task.Status)
	}
	if !task.IsParticipant(in.ReviewerID) {
		return nil, apperr.Forbidden("only the poster or the tasker can review this task")
	}
	if !task.IsParticipant(revieweeID) {
		return nil, apperr.Validation("user %s did not take part in task %s", revieweeID, task.ID)
	}
	role := models.RoleTasker
	if in.ReviewerID == task.CreatorID {
		role = models.RolePoster
	}

	review := &models.Review{
		ID:           uuid.New(),
		TaskID:       task.ID,
		ReviewerID:   in.ReviewerID,
		RevieweeID:   revieweeID,
		ReviewerRole: role,
		Rating:       in.Rating,
		Text:         text,
		Visible:      true,
	}
	if err := s.reviews.Create(ctx, review); err != nil {
		return nil, err
	}

	// The review is committed, so a failed recompute is handed to the
	// recompute_ratings job instead of failing the request.
	if err := s.aggregator.OnReviewCreated(ctx, review); err != nil {
		s.log.Warn("rating recompute failed, queued for retry", "user_id", revieweeID, "review_id", review.ID, "error", err)
		if err := s.jobs.EnqueueRecomputeRatings(ctx, nil, revieweeID); err != nil {
			s.log.Error("rating recompute not queued", "user_id", revieweeID, "review_id", review.ID, "error", err)
		}
	}
	ev := notify.NewEvent(revieweeID, notify.EventReviewCreated, task.ID, map[string]string{"review_id": review.ID.String()})
	if err := s.jobs.EnqueueNotification(ctx, nil, ev); err != nil {
		s.log.Warn("review notification not queued", "review_id", review.ID, "error", err)
	}
	return review, nil
}

// RatingStats reads through the cache. A recompute can commit and invalidate
// between loading the user and storing the entry; the user is re-read after
// the store and the entry dropped if the aggregates moved.
func (s *service) RatingStats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	if cached, err := s.cache.Get(ctx, userID); err != nil {
		s.log.Warn("rating stats cache read failed", "user_id", userID, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := s.reviews.ListRecentVisible(ctx, userID, RecentReviewLimit)
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []*models.Review{}
	}
	stats := &Stats{
		UserID:        userID,
		Overall:       user.Ratings.Overall,
		AsPoster:      user.Ratings.AsPoster,
		AsTasker:      user.Ratings.AsTasker,
		RecentReviews: recent,
	}
	if err := s.cache.Set(ctx, stats); err != nil {
		s.log.Warn("rating stats cache write failed", "user_id", userID, "error", err)
		return stats, nil
	}
	if current, err := s.users.GetByID(ctx, userID); err != nil || current.Ratings != user.Ratings {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			s.log.Warn("rating stats cache invalidation failed", "user_id", userID, "error", err)
		}
	}
	return stats, nil
}

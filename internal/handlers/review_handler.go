package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/ratings"
	"github.com/taskmarket/backend/internal/services"
)

// ReviewHandler serves /users/{id}/reviews and /users/{id}/rating-stats.
type ReviewHandler struct {
	Ratings   ratings.Service
	Validator *services.Validator
	Logger    *slog.Logger
}

type createReviewRequest struct {
	TaskID uuid.UUID `json:"task_id"`
	Rating int       `json:"rating"`
	Text   string    `json:"text"`
}

// --- POST /users/{id}/reviews ---

// CreateReview records a review of user {id} written by the caller.
func (h *ReviewHandler) CreateReview(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := caller(w, r)
	if !ok {
		return
	}
	revieweeID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req createReviewRequest
	if !decodeBody(w, r, h.Validator, services.SchemaReview, &req) {
		return
	}
	review, err := h.Ratings.CreateReview(r.Context(), revieweeID, ratings.ReviewInput{
		TaskID:     req.TaskID,
		ReviewerID: reviewerID,
		Rating:     req.Rating,
		Text:       req.Text,
	})
	if err != nil {
		writeError(w, h.Logger, "create review", err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

// --- GET /users/{id}/rating-stats ---

func (h *ReviewHandler) RatingStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	stats, err := h.Ratings.RatingStats(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, "rating stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

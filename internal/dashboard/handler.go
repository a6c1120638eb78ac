// Package dashboard serves the caller's own view of the marketplace: their
// profile, the tasks they posted and the escrow movements they took part in.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/ledger"
	"github.com/taskmarket/backend/internal/middleware"
	"github.com/taskmarket/backend/internal/models"
)

type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type TaskLister interface {
	ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error)
}

type Handler struct {
	users  UserReader
	tasks  TaskLister
	ledger ledger.Service
	log    *slog.Logger
}

func NewHandler(users UserReader, tasks TaskLister, ledgerSvc ledger.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		users:  users,
		tasks:  tasks,
		ledger: ledgerSvc,
		log:    log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	return id, ok
}

// GET /api/v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.fail(w, "get user failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"display_name": u.DisplayName,
		"ratings":      u.Ratings,
		"created_at":   u.CreatedAt,
	})
}

// GET /api/v1/me/tasks
func (h *Handler) ListMyTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	tasks, err := h.tasks.ListByCreator(r.Context(), userID)
	if err != nil {
		h.fail(w, "list tasks failed", err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GET /api/v1/me/ledger?limit=N
func (h *Handler) ListMyLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	limit := ledger.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := h.ledger.ListForUser(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, "list ledger failed", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/receipts"
)

type ReceiptIssuer interface {
	Existing(ctx context.Context, taskID uuid.UUID) (*receipts.Pair, error)
	IssueForCompletedTask(ctx context.Context, taskID uuid.UUID) (*receipts.Pair, error)
	GetByNumber(ctx context.Context, number string) (*models.Receipt, error)
}

type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

// ReceiptHandler serves /receipts endpoints. Receipts are visible to the
// two task participants only.
type ReceiptHandler struct {
	Receipts ReceiptIssuer
	Tasks    TaskReader
	Logger   *slog.Logger
}

// --- GET /receipts/task/{id} ---

// GetTaskReceipts returns both receipts. When the task is completed and paid
// but issuance never finished, the read issues the missing receipts itself.
func (h *ReceiptHandler) GetTaskReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.GetByID(r.Context(), taskID)
	if err != nil {
		writeError(w, h.Logger, "get task", err)
		return
	}
	if !task.IsParticipant(userID) {
		writeError(w, h.Logger, "get receipts", apperr.Forbidden("receipts are visible to task participants only"))
		return
	}

	pair, err := h.Receipts.Existing(r.Context(), taskID)
	if err != nil {
		writeError(w, h.Logger, "load receipts", err)
		return
	}
	if pair.Payment != nil && pair.Earnings != nil {
		writeJSON(w, http.StatusOK, pair)
		return
	}
	if task.Status != models.TaskStatusCompleted {
		writeError(w, h.Logger, "get receipts", apperr.NotFound("receipts"))
		return
	}

	pair, err = h.Receipts.IssueForCompletedTask(r.Context(), taskID)
	if errors.Is(err, receipts.ErrNotIssuable) {
		writeError(w, h.Logger, "get receipts", apperr.NotFound("receipts"))
		return
	}
	if err != nil {
		writeError(w, h.Logger, "issue receipts on read", err)
		return
	}
	h.Logger.Info("receipts issued on read", "task_id", taskID)
	writeJSON(w, http.StatusOK, pair)
}

// --- GET /receipts/{number} ---

func (h *ReceiptHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	number := strings.ToUpper(strings.TrimSpace(r.PathValue("number")))
	rc, err := h.Receipts.GetByNumber(r.Context(), number)
	if err != nil {
		writeError(w, h.Logger, "get receipt", err)
		return
	}
	if rc.PosterID != userID && rc.TaskerID != userID {
		// Same response as a missing number so numbers cannot be enumerated.
		writeError(w, h.Logger, "get receipt", apperr.NotFound("receipt"))
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/services"
)

// TaskHandler serves /tasks endpoints: posting, offers, and the settlement
// transitions.
type TaskHandler struct {
	Tasks     services.TaskService
	Offers    services.OfferService
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /tasks ---

type createTaskRequest struct {
	Title    string `json:"title"`
	Budget   string `json:"budget"`
	Currency string `json:"currency"`
}

type taskResponse struct {
	Task  *models.Task `json:"task"`
	Quote *fees.Quote  `json:"quote,omitempty"`
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeBody(w, r, h.Validator, services.SchemaTask, &req) {
		return
	}
	budget, err := parseMoney(req.Budget, req.Currency)
	if err != nil {
		writeError(w, h.Logger, "parse budget", err)
		return
	}
	task, err := h.Tasks.Create(r.Context(), userID, req.Title, budget)
	if err != nil {
		writeError(w, h.Logger, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.withQuote(r, task))
}

// --- GET /tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, h.Logger, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withQuote(r, task))
}

// withQuote attaches the fee quote for the task budget. A pricing failure
// (e.g. a currency dropped from the schedule) is logged and the quote omitted.
func (h *TaskHandler) withQuote(r *http.Request, task *models.Task) taskResponse {
	q, err := h.Tasks.Quote(r.Context(), task.ID)
	if err != nil {
		h.Logger.Warn("quote task", "task_id", task.ID, "error", err)
		return taskResponse{Task: task}
	}
	return taskResponse{Task: task, Quote: &q}
}

// --- POST /tasks/{id}/offers ---

type submitOfferRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Message  string `json:"message"`
}

func (h *TaskHandler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req submitOfferRequest
	if !decodeBody(w, r, h.Validator, services.SchemaOffer, &req) {
		return
	}
	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		writeError(w, h.Logger, "parse offer amount", err)
		return
	}
	offer, err := h.Offers.Submit(r.Context(), taskID, userID, amount, req.Message)
	if err != nil {
		writeError(w, h.Logger, "submit offer", err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// --- GET /tasks/{id}/offers ---

func (h *TaskHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	offers, err := h.Offers.List(r.Context(), taskID, userID)
	if err != nil {
		writeError(w, h.Logger, "list offers", err)
		return
	}
	if offers == nil {
		offers = []*models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// --- POST /tasks/{id}/offers/{offerId}/accept ---

func (h *TaskHandler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	offerID, ok := pathUUID(w, r, "offerId")
	if !ok {
		return
	}
	acc, err := h.Offers.AcceptOffer(r.Context(), taskID, offerID, userID)
	if err != nil {
		writeError(w, h.Logger, "accept offer", err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- POST /tasks/{id}/offers/{offerId}/withdraw ---

func (h *TaskHandler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	offerID, ok := pathUUID(w, r, "offerId")
	if !ok {
		return
	}
	offer, err := h.Offers.Withdraw(r.Context(), taskID, offerID, userID)
	if err != nil {
		writeError(w, h.Logger, "withdraw offer", err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// --- POST /tasks/{id}/mark-done ---

func (h *TaskHandler) MarkDone(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.MarkDone(r.Context(), taskID, userID)
	if err != nil {
		writeError(w, h.Logger, "mark done", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- POST /tasks/{id}/complete-payment ---

// CompletePayment captures the escrow hold and completes the task. A replay
// on an already completed task returns the same body with 200.
func (h *TaskHandler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Tasks.CompletePayment(r.Context(), taskID, userID)
	if err != nil {
		writeError(w, h.Logger, "complete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- POST /tasks/{id}/cancel ---

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := h.Tasks.Cancel(r.Context(), taskID, userID)
	if err != nil {
		writeError(w, h.Logger, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

package router

import (
	"log/slog"
	"net/http"

	"github.com/taskmarket/backend/internal/auth"
	"github.com/taskmarket/backend/internal/dashboard"
	"github.com/taskmarket/backend/internal/handlers"
	"github.com/taskmarket/backend/internal/middleware"
)

const base = "/api/v1"

type Handlers struct {
	Auth      *auth.Handler
	Tasks     *handlers.TaskHandler
	Receipts  *handlers.ReceiptHandler
	Reviews   *handlers.ReviewHandler
	Dashboard *dashboard.Handler
}

// New returns an http.Handler that serves the API under /api/v1. Every route
// except registration, login and health requires a bearer token.
func New(h Handlers, tokens middleware.TokenValidator, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.BearerAuth(tokens)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(fn))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)

	handle("POST "+base+"/tasks", h.Tasks.CreateTask)
	handle("GET "+base+"/tasks/{id}", h.Tasks.GetTask)
	handle("POST "+base+"/tasks/{id}/offers", h.Tasks.SubmitOffer)
	handle("GET "+base+"/tasks/{id}/offers", h.Tasks.ListOffers)
	handle("POST "+base+"/tasks/{id}/offers/{offerId}/accept", h.Tasks.AcceptOffer)
	handle("POST "+base+"/tasks/{id}/offers/{offerId}/withdraw", h.Tasks.WithdrawOffer)
	handle("POST "+base+"/tasks/{id}/mark-done", h.Tasks.MarkDone)
	handle("POST "+base+"/tasks/{id}/complete-payment", h.Tasks.CompletePayment)
	handle("POST "+base+"/tasks/{id}/cancel", h.Tasks.CancelTask)

	handle("GET "+base+"/receipts/task/{id}", h.Receipts.GetTaskReceipts)
	handle("GET "+base+"/receipts/{number}", h.Receipts.GetReceipt)

	handle("POST "+base+"/users/{id}/reviews", h.Reviews.CreateReview)
	handle("GET "+base+"/users/{id}/rating-stats", h.Reviews.RatingStats)

	handle("GET "+base+"/me", h.Dashboard.GetMe)
	handle("GET "+base+"/me/tasks", h.Dashboard.ListMyTasks)
	handle("GET "+base+"/me/ledger", h.Dashboard.ListMyLedger)

	return middleware.RequestLog(log)(mux)
}

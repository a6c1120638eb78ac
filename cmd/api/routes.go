package main

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/taskmarket/backend/internal/auth"
	"github.com/taskmarket/backend/internal/config"
	"github.com/taskmarket/backend/internal/dashboard"
	"github.com/taskmarket/backend/internal/handlers"
	"github.com/taskmarket/backend/internal/ledger"
	"github.com/taskmarket/backend/internal/ratings"
	"github.com/taskmarket/backend/internal/router"
	"github.com/taskmarket/backend/internal/services"
)

type apiDeps struct {
	users    auth.Repository
	tasks    services.TaskService
	offers   services.OfferService
	ratings  ratings.Service
	issuer   handlers.ReceiptIssuer
	taskRepo taskRepository
	ledger   ledger.Service
}

type taskRepository interface {
	handlers.TaskReader
	dashboard.TaskLister
}

// newAPIHandler builds the HTTP handlers, mounts them on the router and
// wraps the result in CORS.
func newAPIHandler(cfg config.Config, d apiDeps, logger *slog.Logger) (http.Handler, error) {
	validator, err := services.NewValidator()
	if err != nil {
		return nil, err
	}

	authSvc := auth.NewService(d.users, cfg.JWTSecret)

	api := router.New(router.Handlers{
		Auth: auth.NewHandler(authSvc, validator, logger),
		Tasks: &handlers.TaskHandler{
			Tasks:     d.tasks,
			Offers:    d.offers,
			Validator: validator,
			Logger:    logger,
		},
		Receipts: &handlers.ReceiptHandler{
			Receipts: d.issuer,
			Tasks:    d.taskRepo,
			Logger:   logger,
		},
		Reviews: &handlers.ReviewHandler{
			Ratings:   d.ratings,
			Validator: validator,
			Logger:    logger,
		},
		Dashboard: dashboard.NewHandler(d.users, d.taskRepo, d.ledger, logger),
	}, authSvc, logger)

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api), nil
}

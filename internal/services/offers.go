package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/lifecycle"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
)

const maxOfferMessageLen = 1000

// OfferTaskRepo is the task repository interface used by offer handling.
type OfferTaskRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	Assign(ctx context.Context, tx pgx.Tx, taskID, assigneeID uuid.UUID) error
}

type OfferRepo interface {
	Create(ctx context.Context, o *models.Offer) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Offer, error)
	Accept(ctx context.Context, tx pgx.Tx, taskID, offerID uuid.UUID) ([]uuid.UUID, error)
	Withdraw(ctx context.Context, offerID, bidderID uuid.UUID) (*models.Offer, error)
}

// Acceptance is the outcome of a successful AcceptOffer.
type Acceptance struct {
	Task    *models.Task    `json:"task"`
	Offer   *models.Offer   `json:"offer"`
	Payment *models.Payment `json:"payment"`
}

type OfferService interface {
	Submit(ctx context.Context, taskID, bidderID uuid.UUID, amount models.Money, message string) (*models.Offer, error)
	Withdraw(ctx context.Context, taskID, offerID, bidderID uuid.UUID) (*models.Offer, error)
	List(ctx context.Context, taskID, callerID uuid.UUID) ([]*models.Offer, error)
	AcceptOffer(ctx context.Context, taskID, offerID, callerID uuid.UUID) (*Acceptance, error)
}

type offerService struct {
	pool   TxBeginner
	tasks  OfferTaskRepo
	offers OfferRepo
	escrow *EscrowService
	jobs   JobEnqueuer
	log    *slog.Logger
}

func NewOfferService(pool TxBeginner, tasks OfferTaskRepo, offers OfferRepo, escrow *EscrowService, jobs JobEnqueuer, log *slog.Logger) *offerService {
	if log == nil {
		log = slog.Default()
	}
	return &offerService{pool: pool, tasks: tasks, offers: offers, escrow: escrow, jobs: jobs, log: log}
}

var _ OfferService = (*offerService)(nil)

func (s *offerService) Submit(ctx context.Context, taskID, bidderID uuid.UUID, amount models.Money, message string) (*models.Offer, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusOpen {
		return nil, apperr.Conflict("task %s is %s and no longer takes offers", taskID, task.Status)
	}
	if task.CreatorID == bidderID {
		return nil, apperr.Forbidden("posters cannot bid on their own task")
	}
	amount.Currency = models.NormalizeCurrency(amount.Currency)
	if amount.Currency != task.Budget.Currency {
		return nil, apperr.Validation("offer currency %s must match task currency %s", amount.Currency, task.Budget.Currency)
	}
	if amount.Minor <= 0 {
		return nil, apperr.Validation("offer amount must be positive")
	}
	message = strings.TrimSpace(message)
	if len([]rune(message)) > maxOfferMessageLen {
		return nil, apperr.Validation("offer message exceeds %d characters", maxOfferMessageLen)
	}
	o := &models.Offer{
		ID:       uuid.New(),
		TaskID:   taskID,
		BidderID: bidderID,
		Amount:   amount,
		Message:  message,
		Status:   models.OfferStatusPending,
	}
	if err := s.offers.Create(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *offerService) Withdraw(ctx context.Context, taskID, offerID, bidderID uuid.UUID) (*models.Offer, error) {
	o, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.TaskID != taskID {
		return nil, apperr.NotFound("offer")
	}
	if o.BidderID != bidderID {
		return nil, apperr.Forbidden("only the bidder can withdraw an offer")
	}
	return s.offers.Withdraw(ctx, offerID, bidderID)
}

// List shows every offer to the poster; a bidder sees only their own.
func (s *offerService) List(ctx context.Context, taskID, callerID uuid.UUID) ([]*models.Offer, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	all, err := s.offers.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID == callerID {
		return all, nil
	}
	var own []*models.Offer
	for _, o := range all {
		if o.BidderID == callerID {
			own = append(own, o)
		}
	}
	return own, nil
}

// AcceptOffer assigns the task to the offer's bidder, rejects every sibling
// offer and places the escrow hold, all in one transaction. The task row
// lock serialises concurrent acceptances; whoever acquires it second sees a
// task that is no longer open and gets ErrConflict. The conditional
// assignment and the one-accepted-offer index back this up at the storage
// layer.
func (s *offerService) AcceptOffer(ctx context.Context, taskID, offerID, callerID uuid.UUID) (*Acceptance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.CreatorID != callerID {
		return nil, apperr.Forbidden("only the poster can accept offers")
	}
	offer, err := s.offers.GetByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.TaskID != taskID {
		return nil, apperr.NotFound("offer")
	}
	if task.Status != models.TaskStatusOpen {
		return nil, apperr.Conflict("task %s is already %s", taskID, task.Status)
	}
	if err := lifecycle.Transition(task.Status, models.TaskStatusAssigned, lifecycle.ActorPoster); err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusPending {
		return nil, apperr.Conflict("offer %s is %s", offerID, offer.Status)
	}
	if offer.Amount.Currency != task.Budget.Currency {
		s.log.Error("offer currency does not match task currency", "task_id", taskID, "offer_id", offerID,
			"offer_currency", offer.Amount.Currency, "task_currency", task.Budget.Currency)
		return nil, fmt.Errorf("data integrity: offer %s currency %s differs from task currency %s", offerID, offer.Amount.Currency, task.Budget.Currency)
	}

	payment, err := s.escrow.Authorize(ctx, task, offer)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			s.escrow.Void(ctx, payment)
		}
	}()

	if err := s.tasks.Assign(ctx, tx, taskID, offer.BidderID); err != nil {
		return nil, err
	}
	rejected, err := s.offers.Accept(ctx, tx, taskID, offerID)
	if err != nil {
		return nil, err
	}
	if err := s.escrow.Persist(ctx, tx, payment); err != nil {
		return nil, err
	}
	events := []notify.Event{notify.NewEvent(offer.BidderID, notify.EventOfferAccepted, taskID, map[string]string{"offer_id": offerID.String()})}
	for _, bidder := range rejected {
		events = append(events, notify.NewEvent(bidder, notify.EventOfferRejected, taskID, nil))
	}
	for _, ev := range events {
		if err := s.jobs.EnqueueNotification(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	assignee := offer.BidderID
	task.Status = models.TaskStatusAssigned
	task.AssigneeID = &assignee
	offer.Status = models.OfferStatusAccepted
	s.log.Info("offer accepted", "task_id", taskID, "offer_id", offerID, "payment_id", payment.ID, "rejected", len(rejected))
	return &Acceptance{Task: task, Offer: offer, Payment: payment}, nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/lifecycle"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/receipts"
)

const maxTitleLen = 200

// TaskRepo is the task repository interface used by the lifecycle operations.
type TaskRepo interface {
	Create(ctx context.Context, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, from, to models.TaskStatus) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, at time.Time) error
}

// TaskPaymentRepo is the payment repository interface used by completion and cancellation.
type TaskPaymentRepo interface {
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.Payment, error)
	GetByTaskIDForUpdate(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Payment, error)
}

// ReceiptIssuer is implemented by receipts.Issuer.
type ReceiptIssuer interface {
	IssueForCompletedTask(ctx context.Context, taskID uuid.UUID) (*receipts.Pair, error)
}

// Completion is returned by CompletePayment. Receipts is nil when inline
// issuance failed; the queued job will issue them.
type Completion struct {
	Task     *models.Task    `json:"task"`
	Payment  *models.Payment `json:"payment"`
	Receipts *receipts.Pair  `json:"receipts,omitempty"`
	Replay   bool            `json:"replay"`
}

type TaskService interface {
	Create(ctx context.Context, creatorID uuid.UUID, title string, budget models.Money) (*models.Task, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Quote(ctx context.Context, id uuid.UUID) (fees.Quote, error)
	MarkDone(ctx context.Context, taskID, callerID uuid.UUID) (*models.Task, error)
	CompletePayment(ctx context.Context, taskID, callerID uuid.UUID) (*Completion, error)
	Cancel(ctx context.Context, taskID, callerID uuid.UUID) (*models.Task, error)
}

type taskService struct {
	pool     TxBeginner
	tasks    TaskRepo
	payments TaskPaymentRepo
	escrow   *EscrowService
	issuer   ReceiptIssuer
	jobs     JobEnqueuer
	fees     *fees.Calculator
	log      *slog.Logger
	now      func() time.Time
}

func NewTaskService(pool TxBeginner, tasks TaskRepo, payments TaskPaymentRepo, escrow *EscrowService, issuer ReceiptIssuer, jobs JobEnqueuer, calc *fees.Calculator, log *slog.Logger) *taskService {
	if log == nil {
		log = slog.Default()
	}
	return &taskService{
		pool: pool, tasks: tasks, payments: payments, escrow: escrow, issuer: issuer,
		jobs: jobs, fees: calc, log: log, now: time.Now,
	}
}

var _ TaskService = (*taskService)(nil)

func (s *taskService) Create(ctx context.Context, creatorID uuid.UUID, title string, budget models.Money) (*models.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" || len([]rune(title)) > maxTitleLen {
		return nil, apperr.Validation("title must be 1..%d characters", maxTitleLen)
	}
	budget.Currency = models.NormalizeCurrency(budget.Currency)
	if budget.Minor <= 0 {
		return nil, apperr.Validation("budget must be positive")
	}
	if !s.fees.Supports(budget.Currency) {
		return nil, apperr.Validation("unsupported currency %q", budget.Currency)
	}
	t := &models.Task{
		ID:        uuid.New(),
		Title:     title,
		Budget:    budget,
		Status:    models.TaskStatusOpen,
		CreatorID: creatorID,
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *taskService) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// Quote prices the task budget. The charge at acceptance is priced on the
// accepted offer, which may differ.
func (s *taskService) Quote(ctx context.Context, id uuid.UUID) (fees.Quote, error) {
	t, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return fees.Quote{}, err
	}
	return s.fees.Calculate(t.Budget)
}

// MarkDone is the tasker reporting the work finished: assigned -> todo.
func (s *taskService) MarkDone(ctx context.Context, taskID, callerID uuid.UUID) (*models.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	task, err := s.tasks.GetByIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || *task.AssigneeID != callerID {
		return nil, apperr.Forbidden("only the assigned tasker can mark the task done")
	}
	if err := lifecycle.Transition(task.Status, models.TaskStatusTodo, lifecycle.ActorTasker); err != nil {
		return nil, err
	}
	if err := s.tasks.UpdateStatus(ctx, tx, taskID, task.Status, models.TaskStatusTodo); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusTodo
	return task, nil
}

// CompletePayment is the poster confirming the work: todo -> completed.
//
// The capture happens inside the transaction that holds the task lock, and
// nothing is written unless it succeeds, so a failed capture leaves the task
// in todo with a pending payment. The receipt job is inserted in the same
// transaction; receipts are then attempted inline and, on failure, left to
// the job. Replaying the call on a completed task returns the stored result.
func (s *taskService) CompletePayment(ctx context.Context, taskID, callerID uuid.UUID) (*Completion, error) {
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
		return nil, apperr.Forbidden("only the poster can confirm completion")
	}
	if task.Status == models.TaskStatusCompleted {
		_ = tx.Rollback(ctx)
		return s.replay(ctx, task)
	}
	if err := lifecycle.Transition(task.Status, models.TaskStatusCompleted, lifecycle.ActorPoster); err != nil {
		return nil, err
	}

	payment, err := s.payments.GetByTaskIDForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.escrow.Capture(ctx, tx, payment); err != nil {
		return nil, err
	}
	completedAt := s.now().UTC()
	if err := s.tasks.MarkCompleted(ctx, tx, taskID, completedAt); err != nil {
		return nil, err
	}
	if err := s.jobs.EnqueueIssueReceipts(ctx, tx, taskID); err != nil {
		return nil, err
	}
	if task.AssigneeID != nil {
		ev := notify.NewEvent(*task.AssigneeID, notify.EventTaskCompleted, taskID, map[string]string{"payment_id": payment.ID.String()})
		if err := s.jobs.EnqueueNotification(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		// The capture is keyed by payment id, so retrying completion
		// replays it at the processor instead of charging again.
		s.log.Error("completion commit failed after capture", "task_id", taskID, "payment_id", payment.ID, "intent_id", payment.IntentID, "error", err)
		return nil, err
	}

	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &completedAt
	s.log.Info("task completed", "task_id", taskID, "payment_id", payment.ID)
	return &Completion{Task: task, Payment: payment, Receipts: s.tryIssue(ctx, taskID)}, nil
}

func (s *taskService) replay(ctx context.Context, task *models.Task) (*Completion, error) {
	payment, err := s.payments.GetByTaskID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return &Completion{Task: task, Payment: payment, Receipts: s.tryIssue(ctx, task.ID), Replay: true}, nil
}

// tryIssue never fails the caller: the money has moved, and the
// issue_receipts job covers any error here.
func (s *taskService) tryIssue(ctx context.Context, taskID uuid.UUID) *receipts.Pair {
	pair, err := s.issuer.IssueForCompletedTask(ctx, taskID)
	if err != nil {
		s.log.Warn("inline receipt issuance failed, left to retry job", "task_id", taskID, "error", err)
		return nil
	}
	return pair
}

// Cancel moves an open or assigned task to cancelled and releases any hold.
// A failed release is escalated (logged and retried by the cancel_hold job)
// but never keeps the task from being cancelled.
func (s *taskService) Cancel(ctx context.Context, taskID, callerID uuid.UUID) (*models.Task, error) {
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
		return nil, apperr.Forbidden("only the poster can cancel a task")
	}
	if err := lifecycle.Transition(task.Status, models.TaskStatusCancelled, lifecycle.ActorPoster); err != nil {
		return nil, err
	}
	if err := s.tasks.UpdateStatus(ctx, tx, taskID, task.Status, models.TaskStatusCancelled); err != nil {
		return nil, err
	}

	var payment *models.Payment
	if task.Status == models.TaskStatusAssigned {
		payment, err = s.payments.GetByTaskIDForUpdate(ctx, tx, taskID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}
	if payment != nil && payment.Status == models.PaymentStatusPending {
		if err := s.jobs.EnqueueCancelHold(ctx, tx, payment.ID); err != nil {
			return nil, err
		}
	}
	if task.AssigneeID != nil {
		if err := s.jobs.EnqueueNotification(ctx, tx, notify.NewEvent(*task.AssigneeID, notify.EventTaskCancelled, taskID, nil)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if payment != nil && payment.Status == models.PaymentStatusPending {
		if err := s.escrow.Cancel(ctx, payment.ID); err != nil {
			s.log.Error("hold release failed, escalated to cancel_hold job", "task_id", taskID, "payment_id", payment.ID, "intent_id", payment.IntentID, "error", err)
		}
	}
	task.Status = models.TaskStatusCancelled
	task.AssigneeID = nil
	s.log.Info("task cancelled", "task_id", taskID)
	return task, nil
}

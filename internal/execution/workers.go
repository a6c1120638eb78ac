package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/receipts"
)

// IssueReceiptsArgs retries receipt issuance after a successful capture.
// It is inserted in the completion transaction, so it exists iff the task
// was committed as completed.
type IssueReceiptsArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (IssueReceiptsArgs) Kind() string { return "issue_receipts" }

func (IssueReceiptsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// CancelHoldArgs retries releasing an escrow hold after cancellation.
type CancelHoldArgs struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

func (CancelHoldArgs) Kind() string { return "cancel_hold" }

func (CancelHoldArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// RecomputeRatingsArgs rebuilds a user's rating aggregates after an inline
// recompute failed.
type RecomputeRatingsArgs struct {
	UserID uuid.UUID `json:"user_id"`
}

func (RecomputeRatingsArgs) Kind() string { return "recompute_ratings" }

func (RecomputeRatingsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// NotifyArgs delivers one notification event.
type NotifyArgs struct {
	Event notify.Event `json:"event"`
}

func (NotifyArgs) Kind() string { return "notify" }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// ReceiptIssuer is the contract the receipt worker needs.
type ReceiptIssuer interface {
	IssueForCompletedTask(ctx context.Context, taskID uuid.UUID) (*receipts.Pair, error)
}

// RatingsRecomputer is the contract the recompute worker needs.
type RatingsRecomputer interface {
	Recompute(ctx context.Context, userID uuid.UUID) (models.UserRatings, error)
}

// HoldReleaser is the contract the cancel-hold worker needs.
type HoldReleaser interface {
	Cancel(ctx context.Context, paymentID uuid.UUID) error
}

type IssueReceiptsWorker struct {
	river.WorkerDefaults[IssueReceiptsArgs]
	issuer ReceiptIssuer
	log    *slog.Logger
}

func NewIssueReceiptsWorker(issuer ReceiptIssuer, log *slog.Logger) *IssueReceiptsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &IssueReceiptsWorker{issuer: issuer, log: log}
}

func (w *IssueReceiptsWorker) Work(ctx context.Context, job *river.Job[IssueReceiptsArgs]) error {
	pair, err := w.issuer.IssueForCompletedTask(ctx, job.Args.TaskID)
	if err != nil {
		// Unmet preconditions will not heal by retrying.
		if errors.Is(err, receipts.ErrNotIssuable) || errors.Is(err, apperr.ErrNotFound) {
			w.log.Error("receipt issuance abandoned", "task_id", job.Args.TaskID, "error", err)
			return river.JobCancel(err)
		}
		return fmt.Errorf("issue receipts for task %s: %w", job.Args.TaskID, err)
	}
	w.log.Info("receipts ensured", "task_id", job.Args.TaskID, "payment_receipt", pair.Payment.Number, "earnings_receipt", pair.Earnings.Number)
	return nil
}

type CancelHoldWorker struct {
	river.WorkerDefaults[CancelHoldArgs]
	escrow HoldReleaser
	log    *slog.Logger
}

func NewCancelHoldWorker(escrow HoldReleaser, log *slog.Logger) *CancelHoldWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CancelHoldWorker{escrow: escrow, log: log}
}

func (w *CancelHoldWorker) Work(ctx context.Context, job *river.Job[CancelHoldArgs]) error {
	err := w.escrow.Cancel(ctx, job.Args.PaymentID)
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
		w.log.Error("hold release abandoned", "payment_id", job.Args.PaymentID, "error", err)
		return river.JobCancel(err)
	}
	if job.Attempt >= job.MaxAttempts {
		w.log.Error("hold release retries exhausted, funds still held", "payment_id", job.Args.PaymentID, "attempt", job.Attempt, "error", err)
	}
	return err
}

type RecomputeRatingsWorker struct {
	river.WorkerDefaults[RecomputeRatingsArgs]
	ratings RatingsRecomputer
	log     *slog.Logger
}

func NewRecomputeRatingsWorker(ratings RatingsRecomputer, log *slog.Logger) *RecomputeRatingsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RecomputeRatingsWorker{ratings: ratings, log: log}
}

func (w *RecomputeRatingsWorker) Work(ctx context.Context, job *river.Job[RecomputeRatingsArgs]) error {
	if _, err := w.ratings.Recompute(ctx, job.Args.UserID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			w.log.Error("rating recompute abandoned", "user_id", job.Args.UserID, "error", err)
			return river.JobCancel(err)
		}
		return fmt.Errorf("recompute ratings for user %s: %w", job.Args.UserID, err)
	}
	return nil
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	notifier notify.Notifier
}

func NewNotifyWorker(n notify.Notifier) *NotifyWorker {
	return &NotifyWorker{notifier: n}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	return w.notifier.Notify(ctx, job.Args.Event)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/processor"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowPaymentRepo is the minimal payment repository interface for escrow.
type EscrowPaymentRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.PaymentStatus) error
}

// LedgerRecorder appends an escrow movement within the caller's transaction.
type LedgerRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, p *models.Payment, typ models.LedgerEntryType) error
}

type nopLedger struct{}

func (nopLedger) Record(context.Context, pgx.Tx, *models.Payment, models.LedgerEntryType) error {
	return nil
}

// EscrowService decides when and how much to hold, capture and release.
// Card mechanics belong to the Processor; every call carries an idempotency
// key derived from the task, offer or payment id so a retried request can
// never create a second charge.
type EscrowService struct {
	Pool      TxBeginner
	Payments  EscrowPaymentRepo
	Processor processor.Processor
	Fees      *fees.Calculator
	Ledger    LedgerRecorder
	log       *slog.Logger
}

// NewEscrowService returns a new EscrowService.
func NewEscrowService(pool TxBeginner, payments EscrowPaymentRepo, proc processor.Processor, calc *fees.Calculator, log *slog.Logger) *EscrowService {
	if log == nil {
		log = slog.Default()
	}
	return &EscrowService{Pool: pool, Payments: payments, Processor: proc, Fees: calc, Ledger: nopLedger{}, log: log}
}

// Every key is derived from the payment id. An authorization is keyed by
// the payment it creates, so a hold voided by a failed acceptance is never
// handed back to a later attempt for the same offer.
func authorizeKey(paymentID uuid.UUID) string { return "authorize:" + paymentID.String() }
func captureKey(paymentID uuid.UUID) string   { return "capture:" + paymentID.String() }
func cancelKey(paymentID uuid.UUID) string    { return "cancel:" + paymentID.String() }

// Authorize prices the accepted offer and places a manual-capture hold for
// the total charge. The returned Payment is pending and not yet persisted;
// the caller stores it in the acceptance transaction, or calls Void if that
// transaction fails.
func (s *EscrowService) Authorize(ctx context.Context, task *models.Task, offer *models.Offer) (*models.Payment, error) {
	quote, err := s.Fees.Calculate(offer.Amount)
	if err != nil {
		return nil, err
	}
	p := &models.Payment{
		ID:               uuid.New(),
		TaskID:           task.ID,
		OfferID:          offer.ID,
		PayerID:          task.CreatorID,
		PayeeID:          offer.BidderID,
		GrossMinor:       quote.TotalCharge.Minor,
		PlatformFeeMinor: quote.ServiceFee.Minor,
		PayeeMinor:       quote.Budget.Minor,
		Currency:         quote.Budget.Currency,
		Status:           models.PaymentStatusPending,
	}
	if !p.Balanced() {
		return nil, fmt.Errorf("unbalanced quote for task %s: %d != %d + %d", task.ID, p.GrossMinor, p.PayeeMinor, p.PlatformFeeMinor)
	}

	metadata := map[string]string{
		"task_id":    task.ID.String(),
		"offer_id":   offer.ID.String(),
		"payment_id": p.ID.String(),
		"payer_id":   p.PayerID.String(),
		"payee_id":   p.PayeeID.String(),
	}
	intentID, err := s.Processor.CreateHeldCharge(ctx, quote.TotalCharge, metadata, authorizeKey(p.ID))
	if err != nil {
		return nil, processorFailure("authorize", err)
	}
	p.IntentID = intentID
	s.log.Info("escrow hold placed", "task_id", task.ID, "payment_id", p.ID, "intent_id", intentID,
		"gross", quote.TotalCharge.String(), "fee", quote.ServiceFee.String(), "clamp", quote.Breakdown.Clamp)
	return p, nil
}

// Persist stores a freshly authorized payment and its hold entry in tx.
func (s *EscrowService) Persist(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	if err := s.Payments.CreateTx(ctx, tx, p); err != nil {
		return err
	}
	return s.Ledger.Record(ctx, tx, p, models.LedgerEscrowHold)
}

// Void releases a hold whose Payment was never persisted. Failures are
// logged; the processor expires uncaptured holds on its own.
func (s *EscrowService) Void(ctx context.Context, p *models.Payment) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Processor.Cancel(ctx, p.IntentID, cancelKey(p.ID)); err != nil {
		s.log.Error("void of orphaned hold failed", "task_id", p.TaskID, "payment_id", p.ID, "intent_id", p.IntentID, "error", err)
		return
	}
	s.log.Info("orphaned hold voided", "task_id", p.TaskID, "payment_id", p.ID, "intent_id", p.IntentID)
}

// Capture collects the held funds and marks the payment completed within tx.
// Nothing is written unless the processor confirms the capture.
func (s *EscrowService) Capture(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	if p.Status == models.PaymentStatusCompleted {
		return nil
	}
	if p.Status != models.PaymentStatusPending {
		return apperr.Conflict("payment %s is %s and cannot be captured", p.ID, p.Status)
	}
	if err := s.Processor.Capture(ctx, p.IntentID, captureKey(p.ID)); err != nil {
		s.log.Warn("capture failed", "task_id", p.TaskID, "payment_id", p.ID, "intent_id", p.IntentID, "error", err)
		return processorFailure("capture", err)
	}
	if err := s.Payments.UpdateStatus(ctx, tx, p.ID, models.PaymentStatusPending, models.PaymentStatusCompleted); err != nil {
		return err
	}
	if err := s.Ledger.Record(ctx, tx, p, models.LedgerEscrowCapture); err != nil {
		return err
	}
	p.Status = models.PaymentStatusCompleted
	s.log.Info("escrow captured", "task_id", p.TaskID, "payment_id", p.ID, "intent_id", p.IntentID, "gross", p.Gross().String())
	return nil
}

// Cancel releases the hold of a pending payment and marks it cancelled.
// Already cancelled or failed payments are left alone; a captured payment
// cannot be released.
func (s *EscrowService) Cancel(ctx context.Context, paymentID uuid.UUID) error {
	p, err := s.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case models.PaymentStatusCancelled, models.PaymentStatusFailed:
		return nil
	case models.PaymentStatusPending:
	default:
		return apperr.Conflict("payment %s is %s and cannot be released", p.ID, p.Status)
	}
	if err := s.Processor.Cancel(ctx, p.IntentID, cancelKey(p.ID)); err != nil {
		return processorFailure("cancel", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.Payments.UpdateStatus(ctx, tx, p.ID, models.PaymentStatusPending, models.PaymentStatusCancelled); err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}
		// Lost a race with another release; re-read to make sure it was a release.
		cur, getErr := s.Payments.GetByID(ctx, p.ID)
		if getErr != nil {
			return getErr
		}
		if cur.Status != models.PaymentStatusCancelled {
			return err
		}
		return nil
	}
	if err := s.Ledger.Record(ctx, tx, p, models.LedgerEscrowRelease); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("escrow hold released", "task_id", p.TaskID, "payment_id", p.ID, "intent_id", p.IntentID)
	return nil
}

// processorFailure distinguishes a gateway that stayed unavailable through
// the retry budget (502, retry later) from a permanent decline (402).
func processorFailure(op string, err error) error {
	if apperr.IsRetryable(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, apperr.ErrPaymentProcessor) {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrPaymentRequired, err)
	}
	return err
}

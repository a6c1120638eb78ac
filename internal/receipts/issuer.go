// Package receipts materialises the payment and earnings receipts of a
// completed, paid task exactly once.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// ErrNotIssuable means the task is not yet completed and paid.
var ErrNotIssuable = fmt.Errorf("%w: receipts require a completed task with a captured payment", apperr.ErrConflict)

type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
}

type PaymentReader interface {
	GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.Payment, error)
}

type OfferReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Offer, error)
}

// ReceiptStore persists receipts. Insert must fail with ErrConflict when a
// receipt of the same type already exists for the task.
type ReceiptStore interface {
	Insert(ctx context.Context, r *models.Receipt) error
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Receipt, error)
	GetByNumber(ctx context.Context, number string) (*models.Receipt, error)
}

// Pair is the two receipts of one task.
type Pair struct {
	Payment  *models.Receipt `json:"payment"`
	Earnings *models.Receipt `json:"earnings"`
}

func (p *Pair) complete() bool { return p.Payment != nil && p.Earnings != nil }

func (p *Pair) set(r *models.Receipt) {
	switch r.Type {
	case models.ReceiptTypePayment:
		p.Payment = r
	case models.ReceiptTypeEarnings:
		p.Earnings = r
	}
}

func (p *Pair) get(t models.ReceiptType) *models.Receipt {
	if t == models.ReceiptTypePayment {
		return p.Payment
	}
	return p.Earnings
}

type Issuer struct {
	tasks    TaskReader
	payments PaymentReader
	offers   OfferReader
	receipts ReceiptStore
	log      *slog.Logger
}

func NewIssuer(tasks TaskReader, payments PaymentReader, offers OfferReader, receipts ReceiptStore, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{tasks: tasks, payments: payments, offers: offers, receipts: receipts, log: log}
}

// IssueForCompletedTask returns the task's receipt pair, creating whichever
// receipts are missing. Existing receipts are returned unchanged. Concurrent
// callers race on the (task, type) unique constraint; the loser's insert is
// rejected and it returns the winner's record.
func (i *Issuer) IssueForCompletedTask(ctx context.Context, taskID uuid.UUID) (*Pair, error) {
	pair, err := i.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if pair.complete() {
		return pair, nil
	}

	task, err := i.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusCompleted || task.AssigneeID == nil {
		return nil, fmt.Errorf("%w (task %s is %s)", ErrNotIssuable, taskID, task.Status)
	}
	payment, err := i.payments.GetByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w (task %s has no payment)", ErrNotIssuable, taskID)
		}
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w (payment %s is %s)", ErrNotIssuable, payment.ID, payment.Status)
	}
	offer, err := i.offers.GetByID(ctx, payment.OfferID)
	if err != nil {
		return nil, err
	}
	if offer.Status != models.OfferStatusAccepted {
		return nil, fmt.Errorf("%w (offer %s is %s)", ErrNotIssuable, offer.ID, offer.Status)
	}
	if !payment.Balanced() {
		return nil, fmt.Errorf("payment %s is unbalanced: gross %d != payee %d + fee %d",
			payment.ID, payment.GrossMinor, payment.PayeeMinor, payment.PlatformFeeMinor)
	}

	for _, typ := range []models.ReceiptType{models.ReceiptTypePayment, models.ReceiptTypeEarnings} {
		if pair.get(typ) != nil {
			continue
		}
		r := build(task, payment, typ)
		err := i.receipts.Insert(ctx, r)
		switch {
		case err == nil:
			i.log.Info("receipt issued", "task_id", taskID, "payment_id", payment.ID, "type", typ, "number", r.Number)
		case errors.Is(err, apperr.ErrConflict):
			// Issued concurrently; the stored record wins.
		default:
			return nil, fmt.Errorf("insert %s receipt for task %s: %w", typ, taskID, err)
		}
	}

	pair, err = i.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !pair.complete() {
		return nil, fmt.Errorf("receipts for task %s still incomplete after issuance", taskID)
	}
	return pair, nil
}

// Existing returns whatever receipts are stored for the task, without issuing.
func (i *Issuer) Existing(ctx context.Context, taskID uuid.UUID) (*Pair, error) {
	return i.load(ctx, taskID)
}

func (i *Issuer) GetByNumber(ctx context.Context, number string) (*models.Receipt, error) {
	return i.receipts.GetByNumber(ctx, number)
}

func (i *Issuer) load(ctx context.Context, taskID uuid.UUID) (*Pair, error) {
	existing, err := i.receipts.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pair := &Pair{}
	for _, r := range existing {
		pair.set(r)
	}
	return pair, nil
}

// build freezes the payment figures into a receipt. The payment receipt
// carries the gross charge; the earnings receipt carries the payee amount.
func build(task *models.Task, p *models.Payment, typ models.ReceiptType) *models.Receipt {
	amount := p.GrossMinor
	if typ == models.ReceiptTypeEarnings {
		amount = p.PayeeMinor
	}
	return &models.Receipt{
		ID:       uuid.New(),
		TaskID:   task.ID,
		PosterID: p.PayerID,
		TaskerID: p.PayeeID,
		Type:     typ,
		Snapshot: models.ReceiptSnapshot{
			PaymentID:        p.ID,
			TaskTitle:        task.Title,
			AmountMinor:      amount,
			GrossMinor:       p.GrossMinor,
			PlatformFeeMinor: p.PlatformFeeMinor,
			PayeeMinor:       p.PayeeMinor,
			Currency:         p.Currency,
		},
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// IsTerminal reports whether no further processor action may change the payment.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// Payment is the escrow record for one task. GrossMinor == PayeeMinor + PlatformFeeMinor.
type Payment struct {
	ID               uuid.UUID     `json:"id"`
	TaskID           uuid.UUID     `json:"task_id"`
	OfferID          uuid.UUID     `json:"offer_id"`
	PayerID          uuid.UUID     `json:"payer_id"`
	PayeeID          uuid.UUID     `json:"payee_id"`
	GrossMinor       int64         `json:"gross_minor"`
	PlatformFeeMinor int64         `json:"platform_fee_minor"`
	PayeeMinor       int64         `json:"payee_minor"`
	Currency         string        `json:"currency"`
	IntentID         string        `json:"intent_id"`
	Status           PaymentStatus `json:"status"`
	CapturedAt       *time.Time    `json:"captured_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (p *Payment) Gross() Money       { return Money{Minor: p.GrossMinor, Currency: p.Currency} }
func (p *Payment) PlatformFee() Money { return Money{Minor: p.PlatformFeeMinor, Currency: p.Currency} }
func (p *Payment) PayeeAmount() Money { return Money{Minor: p.PayeeMinor, Currency: p.Currency} }

// Balanced checks the gross == payee + fee invariant.
func (p *Payment) Balanced() bool {
	return p.GrossMinor == p.PayeeMinor+p.PlatformFeeMinor
}

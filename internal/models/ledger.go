package models

import (
	"time"

	"github.com/google/uuid"
)

type LedgerEntryType string

const (
	LedgerEscrowHold    LedgerEntryType = "escrow_hold"
	LedgerEscrowCapture LedgerEntryType = "escrow_capture"
	LedgerEscrowRelease LedgerEntryType = "escrow_release"
)

// LedgerEntry is one append-only record of money moving through escrow.
// There is at most one entry per (payment, type).
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id"`
	PaymentID        uuid.UUID       `json:"payment_id"`
	TaskID           uuid.UUID       `json:"task_id"`
	PayerID          uuid.UUID       `json:"payer_id"`
	PayeeID          uuid.UUID       `json:"payee_id"`
	Type             LedgerEntryType `json:"type"`
	GrossMinor       int64           `json:"gross_minor"`
	PlatformFeeMinor int64           `json:"platform_fee_minor"`
	PayeeMinor       int64           `json:"payee_minor"`
	Currency         string          `json:"currency"`
	IntentID         string          `json:"intent_id"`
	CreatedAt        time.Time       `json:"created_at"`
}

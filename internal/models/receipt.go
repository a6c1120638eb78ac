package models

import (
	"time"

	"github.com/google/uuid"
)

type ReceiptType string

const (
	// ReceiptTypePayment is the poster-facing receipt for the gross charge.
	ReceiptTypePayment ReceiptType = "payment"
	// ReceiptTypeEarnings is the tasker-facing receipt for the payout after fee.
	ReceiptTypeEarnings ReceiptType = "earnings"
)

// ReceiptSnapshot freezes the financial figures at issuance time.
type ReceiptSnapshot struct {
	PaymentID        uuid.UUID `json:"payment_id"`
	TaskTitle        string    `json:"task_title"`
	AmountMinor      int64     `json:"amount_minor"`
	GrossMinor       int64     `json:"gross_minor"`
	PlatformFeeMinor int64     `json:"platform_fee_minor"`
	PayeeMinor       int64     `json:"payee_minor"`
	Currency         string    `json:"currency"`
}

type Receipt struct {
	ID          uuid.UUID       `json:"id"`
	Number      string          `json:"number"`
	TaskID      uuid.UUID       `json:"task_id"`
	PosterID    uuid.UUID       `json:"poster_id"`
	TaskerID    uuid.UUID       `json:"tasker_id"`
	Type        ReceiptType     `json:"type"`
	Snapshot    ReceiptSnapshot `json:"snapshot"`
	GeneratedAt time.Time       `json:"generated_at"`
}

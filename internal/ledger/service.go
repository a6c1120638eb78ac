// Package ledger keeps the append-only record of escrow money movements:
// hold placed, captured, released.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/models"
)

const (
	DefaultListLimit = 50
	maxListLimit     = 200
)

// Store is implemented by Repository and by the in-memory test store.
type Store interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type Service interface {
	Record(ctx context.Context, tx pgx.Tx, p *models.Payment, typ models.LedgerEntryType) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

// Record snapshots the payment's split into an entry of the given type.
func (s *service) Record(ctx context.Context, tx pgx.Tx, p *models.Payment, typ models.LedgerEntryType) error {
	return s.store.Append(ctx, tx, &models.LedgerEntry{
		ID:               uuid.New(),
		PaymentID:        p.ID,
		TaskID:           p.TaskID,
		PayerID:          p.PayerID,
		PayeeID:          p.PayeeID,
		Type:             typ,
		GrossMinor:       p.GrossMinor,
		PlatformFeeMinor: p.PlatformFeeMinor,
		PayeeMinor:       p.PayeeMinor,
		Currency:         p.Currency,
		IntentID:         p.IntentID,
	})
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}

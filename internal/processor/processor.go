// Package processor talks to the external escrow-capable payment gateway.
// The settlement core decides when and how much; this package only moves
// the request over the wire.
package processor

import (
	"context"

	"github.com/taskmarket/backend/internal/models"
)

// Processor is the collaborator contract for held (manually captured) charges.
// Every call carries an idempotency key so a retry after a timeout can never
// create or capture a second charge.
type Processor interface {
	CreateHeldCharge(ctx context.Context, amount models.Money, metadata map[string]string, idempotencyKey string) (intentID string, err error)
	Capture(ctx context.Context, intentID, idempotencyKey string) error
	Cancel(ctx context.Context, intentID, idempotencyKey string) error
}

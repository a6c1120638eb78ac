package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskmarket/backend/internal/notify"
)

// JobEnqueuer inserts background jobs. With a non-nil tx the job is part of
// that transaction. Implemented by execution.Enqueuer.
type JobEnqueuer interface {
	EnqueueIssueReceipts(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error
	EnqueueCancelHold(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error
	EnqueueNotification(ctx context.Context, tx pgx.Tx, ev notify.Event) error
}

package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/taskmarket/backend/internal/notify"
)

var errClientNotWired = errors.New("river client not wired")

// Enqueuer inserts settlement jobs. The river client is set after
// construction because the workers it runs depend on services that in turn
// need an Enqueuer.
type Enqueuer struct {
	mu     sync.Mutex
	client *river.Client[pgx.Tx]
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (e *Enqueuer) SetClient(c *river.Client[pgx.Tx]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

// insert uses InsertTx when tx is non-nil so the job commits or rolls back
// with the caller's writes.
func (e *Enqueuer) insert(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
	e.mu.Lock()
	c := e.client
	e.mu.Unlock()
	if c == nil {
		return errClientNotWired
	}
	var err error
	if tx != nil {
		_, err = c.InsertTx(ctx, tx, args, nil)
	} else {
		_, err = c.Insert(ctx, args, nil)
	}
	return err
}

func (e *Enqueuer) EnqueueIssueReceipts(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	return e.insert(ctx, tx, IssueReceiptsArgs{TaskID: taskID})
}

func (e *Enqueuer) EnqueueCancelHold(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error {
	return e.insert(ctx, tx, CancelHoldArgs{PaymentID: paymentID})
}

func (e *Enqueuer) EnqueueNotification(ctx context.Context, tx pgx.Tx, ev notify.Event) error {
	return e.insert(ctx, tx, NotifyArgs{Event: ev})
}

func (e *Enqueuer) EnqueueRecomputeRatings(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	return e.insert(ctx, tx, RecomputeRatingsArgs{UserID: userID})
}

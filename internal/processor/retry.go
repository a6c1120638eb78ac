package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// RetryPolicy bounds how long and how often a processor call is attempted.
type RetryPolicy struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		AttemptTimeout:  10 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying decorates a Processor with the retry policy. Only errors marked
// retryable are retried; the idempotency key is reused on every attempt.
type Retrying struct {
	next   Processor
	policy RetryPolicy
	log    *slog.Logger
}

func NewRetrying(next Processor, policy RetryPolicy, log *slog.Logger) *Retrying {
	if log == nil {
		log = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{next: next, policy: policy, log: log}
}

var _ Processor = (*Retrying)(nil)

func (r *Retrying) CreateHeldCharge(ctx context.Context, amount models.Money, metadata map[string]string, idempotencyKey string) (string, error) {
	var intentID string
	err := r.do(ctx, "create", idempotencyKey, func(ctx context.Context) error {
		id, err := r.next.CreateHeldCharge(ctx, amount, metadata, idempotencyKey)
		if err == nil {
			intentID = id
		}
		return err
	})
	return intentID, err
}

func (r *Retrying) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	return r.do(ctx, "capture", idempotencyKey, func(ctx context.Context) error {
		return r.next.Capture(ctx, intentID, idempotencyKey)
	})
}

func (r *Retrying) Cancel(ctx context.Context, intentID, idempotencyKey string) error {
	return r.do(ctx, "cancel", idempotencyKey, func(ctx context.Context) error {
		return r.next.Cancel(ctx, intentID, idempotencyKey)
	})
}

func (r *Retrying) do(ctx context.Context, op, key string, call func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		callCtx := ctx
		if r.policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
			defer cancel()
		}
		err := call(callCtx)
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.log.Warn("processor call failed", "op", op, "attempt", attempt, "idempotency_key", key, "error", err)
		return err
	}, b)
}

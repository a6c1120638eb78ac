package processor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// StripeProcessor implements Processor with PaymentIntents in manual capture mode.
type StripeProcessor struct {
	api *client.API
	log *slog.Logger
}

// NewStripe builds a client whose HTTP calls are bounded by timeout. The SDK's
// own network retries are disabled; Retrying owns the retry budget.
func NewStripe(secretKey string, timeout time.Duration, log *slog.Logger) *StripeProcessor {
	if log == nil {
		log = slog.Default()
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeProcessor{api: api, log: log}
}

var _ Processor = (*StripeProcessor)(nil)

func (p *StripeProcessor) CreateHeldCharge(ctx context.Context, amount models.Money, metadata map[string]string, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount.Minor),
		Currency:      stripe.String(strings.ToLower(amount.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return "", classify("create", err)
	}
	return pi.ID, nil
}

func (p *StripeProcessor) Capture(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := p.api.PaymentIntents.Capture(intentID, params)
	if err == nil {
		return nil
	}
	if unexpectedState(err) {
		if status, getErr := p.status(ctx, intentID); getErr == nil && status == stripe.PaymentIntentStatusSucceeded {
			p.log.Info("intent already captured", "intent_id", intentID)
			return nil
		}
	}
	return classify("capture", err)
}

// Cancel is idempotent: an intent that is already canceled counts as success.
func (p *StripeProcessor) Cancel(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := p.api.PaymentIntents.Cancel(intentID, params)
	if err == nil {
		return nil
	}
	if unexpectedState(err) {
		if status, getErr := p.status(ctx, intentID); getErr == nil && status == stripe.PaymentIntentStatusCanceled {
			p.log.Info("intent already canceled", "intent_id", intentID)
			return nil
		}
	}
	return classify("cancel", err)
}

func (p *StripeProcessor) status(ctx context.Context, intentID string) (stripe.PaymentIntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return "", err
	}
	return pi.Status, nil
}

func unexpectedState(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}

// classify marks network failures, 5xx and 429 as retryable; card and request
// errors are permanent.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &apperr.ProcessorError{Op: op, Retryable: true, Err: err}
	}
	retryable := se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.Type == stripe.ErrorTypeAPI || se.Code == stripe.ErrorCodeLockTimeout
	return &apperr.ProcessorError{Op: op, Retryable: retryable, Err: err}
}

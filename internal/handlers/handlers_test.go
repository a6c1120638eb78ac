package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/middleware"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/processor"
	"github.com/taskmarket/backend/internal/ratings"
	"github.com/taskmarket/backend/internal/receipts"
	"github.com/taskmarket/backend/internal/repository/memstore"
	"github.com/taskmarket/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// declineProcessor rejects every capture as a permanent decline.
type declineProcessor struct {
	*processor.Sandbox
	decline bool
}

func (p *declineProcessor) Capture(ctx context.Context, id, key string) error {
	if p.decline {
		return &apperr.ProcessorError{Op: "capture", Retryable: false, Err: errors.New("card_declined")}
	}
	return p.Sandbox.Capture(ctx, id, key)
}

type nopJobs struct{}

func (nopJobs) EnqueueIssueReceipts(context.Context, pgx.Tx, uuid.UUID) error    { return nil }
func (nopJobs) EnqueueCancelHold(context.Context, pgx.Tx, uuid.UUID) error       { return nil }
func (nopJobs) EnqueueNotification(context.Context, pgx.Tx, notify.Event) error  { return nil }
func (nopJobs) EnqueueRecomputeRatings(context.Context, pgx.Tx, uuid.UUID) error { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type env struct {
	store    *memstore.Store
	proc     *declineProcessor
	tasks    *TaskHandler
	receipts *ReceiptHandler
	reviews  *ReviewHandler
	poster   uuid.UUID
	tasker   uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	calc, err := fees.NewCalculator(fees.DefaultSchedule())
	require.NoError(t, err)
	v, err := services.NewValidator()
	require.NoError(t, err)

	proc := &declineProcessor{Sandbox: processor.NewSandbox()}
	escrow := services.NewEscrowService(st, st.Payments, proc, calc, nil)
	issuer := receipts.NewIssuer(st.Tasks, st.Payments, st.Offers, st.Receipts, nil)
	agg := ratings.NewAggregator(st, st.Users, st.Reviews, nil, nil)

	e := &env{store: st, proc: proc, poster: uuid.New(), tasker: uuid.New()}
	for i, id := range []uuid.UUID{e.poster, e.tasker} {
		require.NoError(t, st.Users.Create(context.Background(), &models.User{ID: id, Email: []string{"p@x.io", "t@x.io"}[i], DisplayName: "u"}))
	}
	logger := discardLogger()
	e.tasks = &TaskHandler{
		Tasks:     services.NewTaskService(st, st.Tasks, st.Payments, escrow, issuer, nopJobs{}, calc, nil),
		Offers:    services.NewOfferService(st, st.Tasks, st.Offers, escrow, nopJobs{}, nil),
		Validator: v,
		Logger:    logger,
	}
	e.receipts = &ReceiptHandler{Receipts: issuer, Tasks: st.Tasks, Logger: logger}
	e.reviews = &ReviewHandler{
		Ratings:   ratings.NewService(st.Tasks, st.Users, st.Reviews, agg, nil, nopJobs{}, nil),
		Validator: v,
		Logger:    logger,
	}
	return e
}

// call invokes fn as user with the given path values and JSON body.
func call(fn http.HandlerFunc, user uuid.UUID, body string, path map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	for k, v := range path {
		req.SetPathValue(k, v)
	}
	if user != uuid.Nil {
		req = req.WithContext(middleware.WithUserID(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// todoTask drives a task to todo through the handlers and returns its id.
func (e *env) todoTask(t *testing.T) uuid.UUID {
	t.Helper()
	rec := call(e.tasks.CreateTask, e.poster, `{"title":"Assemble desk","budget":"150.00","currency":"USD"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[taskResponse](t, rec)
	require.NotNil(t, created.Quote)
	assert.Equal(t, int64(15000), created.Quote.Budget.Minor)
	taskID := created.Task.ID.String()

	rec = call(e.tasks.SubmitOffer, e.tasker, `{"amount":"120.00","currency":"usd","message":"tomorrow"}`, map[string]string{"id": taskID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decode[models.Offer](t, rec)

	rec = call(e.tasks.AcceptOffer, e.poster, "", map[string]string{"id": taskID, "offerId": offer.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(e.tasks.MarkDone, e.tasker, "", map[string]string{"id": taskID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return created.Task.ID
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSettlementFlow(t *testing.T) {
	e := newEnv(t)
	taskID := e.todoTask(t)
	path := map[string]string{"id": taskID.String()}

	rec := call(e.tasks.CompletePayment, e.tasker, "", path)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the poster completes")

	rec = call(e.tasks.CompletePayment, e.poster, "", path)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[services.Completion](t, rec)
	assert.False(t, first.Replay)
	assert.Equal(t, models.TaskStatusCompleted, first.Task.Status)
	assert.Equal(t, models.PaymentStatusCompleted, first.Payment.Status)
	assert.Equal(t, first.Payment.GrossMinor, first.Payment.PayeeMinor+first.Payment.PlatformFeeMinor)
	assert.Equal(t, int64(12000), first.Payment.PayeeMinor)
	require.NotNil(t, first.Receipts)
	assert.True(t, strings.HasPrefix(first.Receipts.Payment.Number, "TK"))

	rec = call(e.tasks.CompletePayment, e.poster, "", path)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decode[services.Completion](t, rec)
	assert.True(t, replay.Replay)
	assert.Equal(t, first.Payment.ID, replay.Payment.ID)
	assert.Equal(t, first.Receipts.Payment.Number, replay.Receipts.Payment.Number)

	rec = call(e.receipts.GetTaskReceipts, e.tasker, "", path)
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decode[receipts.Pair](t, rec)
	assert.Equal(t, first.Payment.GrossMinor, pair.Payment.Snapshot.AmountMinor)
	assert.Equal(t, first.Payment.PayeeMinor, pair.Earnings.Snapshot.AmountMinor)
	assert.Equal(t, 2, e.store.Receipts.Count())

	rec = call(e.receipts.GetReceipt, e.poster, "", map[string]string{"number": strings.ToLower(pair.Earnings.Number)})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(e.receipts.GetReceipt, uuid.New(), "", map[string]string{"number": pair.Earnings.Number})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptOffer_Conflicts(t *testing.T) {
	e := newEnv(t)
	rec := call(e.tasks.CreateTask, e.poster, `{"title":"Walk dog","budget":"20","currency":"USD"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	taskID := decode[taskResponse](t, rec).Task.ID.String()

	var offers []models.Offer
	for i := 0; i < 2; i++ {
		rec = call(e.tasks.SubmitOffer, uuid.New(), `{"amount":"18.50","currency":"USD"}`, map[string]string{"id": taskID})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		offers = append(offers, decode[models.Offer](t, rec))
	}

	rec = call(e.tasks.AcceptOffer, e.poster, "", map[string]string{"id": taskID, "offerId": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(e.tasks.AcceptOffer, offers[0].BidderID, "", map[string]string{"id": taskID, "offerId": offers[0].ID.String()})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(e.tasks.AcceptOffer, e.poster, "", map[string]string{"id": taskID, "offerId": offers[0].ID.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(e.tasks.AcceptOffer, e.poster, "", map[string]string{"id": taskID, "offerId": offers[1].ID.String()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(e.tasks.ListOffers, e.poster, "", map[string]string{"id": taskID})
	require.Equal(t, http.StatusOK, rec.Code)
	statuses := map[models.OfferStatus]int{}
	for _, o := range decode[[]models.Offer](t, rec) {
		statuses[o.Status]++
	}
	assert.Equal(t, map[models.OfferStatus]int{models.OfferStatusAccepted: 1, models.OfferStatusRejected: 1}, statuses)
}

func TestCreateTask_RejectsBadBodies(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{
		`{"title":"x","budget":"-5","currency":"USD"}`,
		`{"title":"x","budget":"10.001","currency":"USD"}`,
		`{"title":"","budget":"10","currency":"USD"}`,
		`{"title":"x","budget":"10","currency":"XXX"}`,
		`{"title":"x","budget":"100000000000000000000","currency":"USD"}`,
		`{"title":"x","budget":"184467440737095516.17","currency":"USD"}`,
		`{"title":"x","budget":"92233720368547758.07","currency":"USD"}`,
		`{"title":"x","budget":"9999999999999.99","currency":"USD"}`,
		`not json`,
	} {
		rec := call(e.tasks.CreateTask, e.poster, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	rec := call(e.tasks.CreateTask, uuid.Nil, `{"title":"x","budget":"10","currency":"USD"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompletePayment_DeclinedCaptureIsPaymentRequired(t *testing.T) {
	e := newEnv(t)
	taskID := e.todoTask(t)
	e.proc.decline = true

	rec := call(e.tasks.CompletePayment, e.poster, "", map[string]string{"id": taskID.String()})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	task, err := e.store.Tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	p, err := e.store.Payments.GetByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	rec = call(e.receipts.GetTaskReceipts, e.poster, "", map[string]string{"id": taskID.String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskReceipts_IssuesOnRead(t *testing.T) {
	e := newEnv(t)
	taskID := e.todoTask(t)
	path := map[string]string{"id": taskID.String()}

	e.store.Receipts.FailInserts(errors.New("disk full"))
	rec := call(e.tasks.CompletePayment, e.poster, "", path)
	require.Equal(t, http.StatusOK, rec.Code, "capture succeeded even though receipts failed")
	assert.Nil(t, decode[services.Completion](t, rec).Receipts)
	assert.Zero(t, e.store.Receipts.Count())

	e.store.Receipts.FailInserts(nil)
	rec = call(e.receipts.GetTaskReceipts, e.tasker, "", path)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pair := decode[receipts.Pair](t, rec)
	require.NotNil(t, pair.Payment)
	require.NotNil(t, pair.Earnings)
	assert.Equal(t, 2, e.store.Receipts.Count())

	rec = call(e.receipts.GetTaskReceipts, uuid.New(), "", path)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReviews(t *testing.T) {
	e := newEnv(t)
	taskID := e.todoTask(t)
	taskerPath := map[string]string{"id": e.tasker.String()}

	body := `{"task_id":"` + taskID.String() + `","rating":5,"text":"great"}`
	rec := call(e.reviews.CreateReview, e.poster, body, taskerPath)
	assert.Equal(t, http.StatusConflict, rec.Code, "reviews open after completion")

	rec = call(e.tasks.CompletePayment, e.poster, "", map[string]string{"id": taskID.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = call(e.reviews.CreateReview, e.poster, `{"task_id":"`+taskID.String()+`","rating":6}`, taskerPath)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(e.reviews.CreateReview, e.poster, body, taskerPath)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	review := decode[models.Review](t, rec)
	assert.Equal(t, models.RolePoster, review.ReviewerRole)

	rec = call(e.reviews.CreateReview, e.poster, body, taskerPath)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(e.reviews.RatingStats, uuid.Nil, "", taskerPath)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[ratings.Stats](t, rec)
	assert.Equal(t, 1, stats.Overall.Count)
	assert.Equal(t, 1, stats.AsTasker.Count)
	assert.Equal(t, [5]int{0, 0, 0, 0, 1}, stats.AsTasker.Histogram)
	assert.Len(t, stats.RecentReviews, 1)
}

func TestCancelTask(t *testing.T) {
	e := newEnv(t)
	rec := call(e.tasks.CreateTask, e.poster, `{"title":"Mow lawn","budget":"40","currency":"USD"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	taskID := decode[taskResponse](t, rec).Task.ID.String()

	rec = call(e.tasks.CancelTask, e.tasker, "", map[string]string{"id": taskID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(e.tasks.CancelTask, e.poster, "", map[string]string{"id": taskID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TaskStatusCancelled, decode[models.Task](t, rec).Status)

	rec = call(e.tasks.CancelTask, e.poster, "", map[string]string{"id": taskID})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPathValidation(t *testing.T) {
	e := newEnv(t)
	rec := call(e.tasks.GetTask, e.poster, "", map[string]string{"id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = call(e.tasks.GetTask, e.poster, "", map[string]string{"id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

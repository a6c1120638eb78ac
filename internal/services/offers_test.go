package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/repository/memstore"
)

// flakyAssign fails the next Assign call once.
type flakyAssign struct {
	*memstore.Tasks
	mu   sync.Mutex
	fail error
}

func (f *flakyAssign) Assign(ctx context.Context, tx pgx.Tx, taskID, assigneeID uuid.UUID) error {
	f.mu.Lock()
	err := f.fail
	f.fail = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Tasks.Assign(ctx, tx, taskID, assigneeID)
}

func TestAcceptOffer_AssignsTaskAndRejectsSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	winner := h.bid(t, task.ID, 20000)
	h.bid(t, task.ID, 18000)
	h.bid(t, task.ID, 25000)

	acc, err := h.offers.AcceptOffer(ctx, task.ID, winner.ID, h.poster)
	require.NoError(t, err)

	stored, err := h.store.Tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, stored.Status)
	require.NotNil(t, stored.AssigneeID)
	assert.Equal(t, winner.BidderID, *stored.AssigneeID)

	offers, err := h.store.Offers.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	accepted := 0
	for _, o := range offers {
		if o.ID == winner.ID {
			assert.Equal(t, models.OfferStatusAccepted, o.Status)
			accepted++
		} else {
			assert.Equal(t, models.OfferStatusRejected, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)

	pay, err := h.store.Payments.GetByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.Payment.ID, pay.ID)
	assert.Equal(t, models.PaymentStatusPending, pay.Status)
	assert.Equal(t, int64(22000), pay.GrossMinor)
	assert.Equal(t, int64(2000), pay.PlatformFeeMinor)
	assert.Equal(t, int64(20000), pay.PayeeMinor)
	assert.True(t, pay.Balanced())
	assert.Equal(t, "requires_capture", h.proc.Status(pay.IntentID))

	assert.ElementsMatch(t, []string{notify.EventOfferAccepted, notify.EventOfferRejected, notify.EventOfferRejected}, h.jobs.eventTypes())
}

func TestAcceptOffer_ConcurrentAcceptsHaveOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		ctx := context.Background()
		task := h.postTask(t)
		a := h.bid(t, task.ID, 20000)
		b := h.bid(t, task.ID, 19000)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, offer := range []*models.Offer{a, b} {
			wg.Add(1)
			go func(i int, offerID uuid.UUID) {
				defer wg.Done()
				_, errs[i] = h.offers.AcceptOffer(ctx, task.ID, offerID, h.poster)
			}(i, offer.ID)
		}
		wg.Wait()

		var wins, conflicts int
		var winnerBidder uuid.UUID
		for i, err := range errs {
			switch {
			case err == nil:
				wins++
				winnerBidder = []*models.Offer{a, b}[i].BidderID
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
				assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, wins, "round %d", round)
		require.Equal(t, 1, conflicts, "round %d", round)

		stored, err := h.store.Tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusAssigned, stored.Status)
		assert.Equal(t, winnerBidder, *stored.AssigneeID)

		offers, err := h.store.Offers.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		accepted := 0
		for _, o := range offers {
			if o.Status == models.OfferStatusAccepted {
				accepted++
			}
		}
		assert.Equal(t, 1, accepted)
	}
}

func TestAcceptOffer_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("caller is not the poster", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t)
		o := h.bid(t, task.ID, 20000)
		_, err := h.offers.AcceptOffer(ctx, task.ID, o.ID, uuid.New())
		assert.ErrorIs(t, err, apperr.ErrForbidden)
	})

	t.Run("offer belongs to another task", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t)
		other := h.postTask(t)
		o := h.bid(t, other.ID, 20000)
		_, err := h.offers.AcceptOffer(ctx, task.ID, o.ID, h.poster)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("missing task", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.offers.AcceptOffer(ctx, uuid.New(), uuid.New(), h.poster)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("task already assigned", func(t *testing.T) {
		h := newHarness(t)
		task, _ := h.assigned(t)
		late, err := h.store.Offers.ListByTask(ctx, task.ID)
		require.NoError(t, err)
		_, err = h.offers.AcceptOffer(ctx, task.ID, late[0].ID, h.poster)
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("withdrawn offer", func(t *testing.T) {
		h := newHarness(t)
		task := h.postTask(t)
		o := h.bid(t, task.ID, 20000)
		_, err := h.offers.Withdraw(ctx, task.ID, o.ID, o.BidderID)
		require.NoError(t, err)
		_, err = h.offers.AcceptOffer(ctx, task.ID, o.ID, h.poster)
		assert.ErrorIs(t, err, apperr.ErrConflict)
		assert.Zero(t, h.proc.creates, "no hold for an unacceptable offer")
	})
}

func TestAcceptOffer_ProcessorUnavailableLeavesTaskOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	o := h.bid(t, task.ID, 20000)
	h.proc.set(func(p *scriptedProcessor) {
		p.failCreate = &apperr.ProcessorError{Op: "create", Retryable: true, Err: errors.New("503 from gateway")}
	})

	_, err := h.offers.AcceptOffer(ctx, task.ID, o.ID, h.poster)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))

	stored, _ := h.store.Tasks.GetByID(ctx, task.ID)
	assert.Equal(t, models.TaskStatusOpen, stored.Status)
	assert.Nil(t, stored.AssigneeID)
	offer, _ := h.store.Offers.GetByID(ctx, o.ID)
	assert.Equal(t, models.OfferStatusPending, offer.Status)
	_, err = h.store.Payments.GetByTaskID(ctx, task.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAcceptOffer_RetryAfterFailedCommitGetsFreshHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tasks := &flakyAssign{Tasks: h.store.Tasks, fail: errors.New("connection reset")}
	h.offers = NewOfferService(h.store, tasks, h.store.Offers, h.escrow, h.jobs, nil)
	task := h.postTask(t)
	o := h.bid(t, task.ID, 20000)

	_, err := h.offers.AcceptOffer(ctx, task.ID, o.ID, h.poster)
	require.Error(t, err)
	require.Len(t, h.proc.intents, 1)
	voided := h.proc.intents[0]
	assert.Equal(t, "canceled", h.proc.Status(voided))
	assert.Equal(t, 1, h.proc.cancels)
	_, err = h.store.Payments.GetByTaskID(ctx, task.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	acc, err := h.offers.AcceptOffer(ctx, task.ID, o.ID, h.poster)
	require.NoError(t, err)
	assert.NotEqual(t, voided, acc.Payment.IntentID)
	assert.Equal(t, "requires_capture", h.proc.Status(acc.Payment.IntentID))

	_, err = h.tasks.MarkDone(ctx, task.ID, o.BidderID)
	require.NoError(t, err)
	done, err := h.tasks.CompletePayment(ctx, task.ID, h.poster)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, done.Payment.Status)
	assert.Equal(t, "succeeded", h.proc.Status(acc.Payment.IntentID))
}

// afterRead runs hook once, after GetByID has read the task.
type afterRead struct {
	*memstore.Tasks
	hook func()
}

func (a *afterRead) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, err := a.Tasks.GetByID(ctx, id)
	if hook := a.hook; hook != nil {
		a.hook = nil
		hook()
	}
	return task, err
}

func TestSubmitOffer_AcceptedBetweenReadAndInsertConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	winner := h.bid(t, task.ID, 20000)

	tasks := &afterRead{Tasks: h.store.Tasks}
	svc := NewOfferService(h.store, tasks, h.store.Offers, h.escrow, h.jobs, nil)
	tasks.hook = func() {
		_, err := svc.AcceptOffer(ctx, task.ID, winner.ID, h.poster)
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, task.ID, uuid.New(), usd(15000), "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	offers, err := h.store.Offers.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferStatusAccepted, offers[0].Status)
}

func TestSubmitOffer_RacingAcceptanceLeavesNoPendingOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	winner := h.bid(t, task.ID, 20000)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.offers.Submit(ctx, task.ID, uuid.New(), usd(15000), ""); err != nil {
				assert.ErrorIs(t, err, apperr.ErrConflict)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, err := h.offers.AcceptOffer(ctx, task.ID, winner.ID, h.poster)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	offers, err := h.store.Offers.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	for _, o := range offers {
		assert.NotEqual(t, models.OfferStatusPending, o.Status, "offer %s", o.ID)
	}
}

func TestSubmitOffer_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)

	_, err := h.offers.Submit(ctx, task.ID, uuid.New(), models.Money{Minor: 100, Currency: "EUR"}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation, "currency must match the task")

	_, err = h.offers.Submit(ctx, task.ID, uuid.New(), usd(0), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.offers.Submit(ctx, task.ID, h.poster, usd(100), "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	o, err := h.offers.Submit(ctx, task.ID, uuid.New(), models.Money{Minor: 100, Currency: "usd"}, "  hello ")
	require.NoError(t, err)
	assert.Equal(t, "USD", o.Amount.Currency)
	assert.Equal(t, "hello", o.Message)
}

func TestListOffers_BidderSeesOnlyOwn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	mine := h.bid(t, task.ID, 20000)
	h.bid(t, task.ID, 21000)

	all, err := h.offers.List(ctx, task.ID, h.poster)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := h.offers.List(ctx, task.ID, mine.BidderID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)
}

func TestWithdraw_OnlyByBidder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.postTask(t)
	o := h.bid(t, task.ID, 20000)

	_, err := h.offers.Withdraw(ctx, task.ID, o.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := h.offers.Withdraw(ctx, task.ID, o.ID, o.BidderID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusWithdrawn, got.Status)

	_, err = h.offers.Withdraw(ctx, task.ID, o.ID, o.BidderID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

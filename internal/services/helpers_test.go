package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/ledger"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/processor"
	"github.com/taskmarket/backend/internal/receipts"
	"github.com/taskmarket/backend/internal/repository/memstore"
)

// ---------------------------------------------------------------------------
// scriptedProcessor wraps the sandbox with injectable failures and call counts.
// ---------------------------------------------------------------------------

type scriptedProcessor struct {
	*processor.Sandbox
	mu          sync.Mutex
	failCreate  error
	failCapture error
	failCancel  error
	creates     int
	captures    int
	cancels     int
	intents     []string
}

func (p *scriptedProcessor) CreateHeldCharge(ctx context.Context, amount models.Money, md map[string]string, key string) (string, error) {
	p.mu.Lock()
	p.creates++
	err := p.failCreate
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	id, err := p.Sandbox.CreateHeldCharge(ctx, amount, md, key)
	if err == nil {
		p.mu.Lock()
		p.intents = append(p.intents, id)
		p.mu.Unlock()
	}
	return id, err
}

func (p *scriptedProcessor) Capture(ctx context.Context, id, key string) error {
	p.mu.Lock()
	p.captures++
	err := p.failCapture
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Sandbox.Capture(ctx, id, key)
}

func (p *scriptedProcessor) Cancel(ctx context.Context, id, key string) error {
	p.mu.Lock()
	p.cancels++
	err := p.failCancel
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.Sandbox.Cancel(ctx, id, key)
}

func (p *scriptedProcessor) set(fn func(p *scriptedProcessor)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// ---------------------------------------------------------------------------
// fakeJobs records enqueued jobs instead of inserting them.
// ---------------------------------------------------------------------------

type fakeJobs struct {
	mu            sync.Mutex
	issueReceipts []uuid.UUID
	cancelHolds   []uuid.UUID
	events        []notify.Event
}

func (f *fakeJobs) EnqueueIssueReceipts(_ context.Context, _ pgx.Tx, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueReceipts = append(f.issueReceipts, taskID)
	return nil
}

func (f *fakeJobs) EnqueueCancelHold(_ context.Context, _ pgx.Tx, paymentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelHolds = append(f.cancelHolds, paymentID)
	return nil
}

func (f *fakeJobs) EnqueueNotification(_ context.Context, _ pgx.Tx, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeJobs) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// harness wires the real services over memstore.
// ---------------------------------------------------------------------------

type harness struct {
	store  *memstore.Store
	proc   *scriptedProcessor
	jobs   *fakeJobs
	escrow *EscrowService
	offers *offerService
	tasks  *taskService
	poster uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	calc, err := fees.NewCalculator(fees.DefaultSchedule())
	require.NoError(t, err)
	proc := &scriptedProcessor{Sandbox: processor.NewSandbox()}
	jobs := &fakeJobs{}
	escrow := NewEscrowService(st, st.Payments, proc, calc, nil)
	escrow.Ledger = ledger.NewService(st.Ledger)
	issuer := receipts.NewIssuer(st.Tasks, st.Payments, st.Offers, st.Receipts, nil)
	return &harness{
		store:  st,
		proc:   proc,
		jobs:   jobs,
		escrow: escrow,
		offers: NewOfferService(st, st.Tasks, st.Offers, escrow, jobs, nil),
		tasks:  NewTaskService(st, st.Tasks, st.Payments, escrow, issuer, jobs, calc, nil),
		poster: uuid.New(),
	}
}

func usd(minor int64) models.Money { return models.Money{Minor: minor, Currency: "USD"} }

func (h *harness) postTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := h.tasks.Create(context.Background(), h.poster, "Paint the fence", usd(20000))
	require.NoError(t, err)
	return task
}

func (h *harness) bid(t *testing.T, taskID uuid.UUID, amount int64) *models.Offer {
	t.Helper()
	o, err := h.offers.Submit(context.Background(), taskID, uuid.New(), usd(amount), "I can do it")
	require.NoError(t, err)
	return o
}

// assigned returns a task whose offer of 200.00 was accepted.
func (h *harness) assigned(t *testing.T) (*models.Task, *Acceptance) {
	t.Helper()
	task := h.postTask(t)
	offer := h.bid(t, task.ID, 20000)
	acc, err := h.offers.AcceptOffer(context.Background(), task.ID, offer.ID, h.poster)
	require.NoError(t, err)
	return task, acc
}

// todo returns a task the tasker has marked done.
func (h *harness) todo(t *testing.T) (*models.Task, *Acceptance) {
	t.Helper()
	task, acc := h.assigned(t)
	_, err := h.tasks.MarkDone(context.Background(), task.ID, acc.Offer.BidderID)
	require.NoError(t, err)
	return task, acc
}

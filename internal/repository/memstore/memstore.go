// Package memstore is an in-memory stand-in for the pgx repositories, used by
// service and handler tests. It mirrors the storage-layer guarantees the
// services rely on: conditional updates, unique constraints and row locks
// (SELECT ... FOR UPDATE) that are held until the transaction ends.
//
// Writes are applied immediately; Rollback releases locks but does not undo
// them.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

type db struct {
	mu         sync.Mutex
	users      map[uuid.UUID]models.User
	tasks      map[uuid.UUID]models.Task
	offers     map[uuid.UUID]models.Offer
	payments   map[uuid.UUID]models.Payment
	receipts   map[uuid.UUID]models.Receipt
	reviews    map[uuid.UUID]models.Review
	ledger     []models.LedgerEntry
	receiptSeq int64
	prefix     string

	lockMu   sync.Mutex
	rowLocks map[string]*sync.Mutex

	receiptInsertErr error
}

// Store groups one repository view per table over shared state.
type Store struct {
	db       *db
	Users    *Users
	Tasks    *Tasks
	Offers   *Offers
	Payments *Payments
	Receipts *Receipts
	Reviews  *Reviews
	Ledger   *Ledger
}

func New() *Store {
	d := &db{
		users:    make(map[uuid.UUID]models.User),
		tasks:    make(map[uuid.UUID]models.Task),
		offers:   make(map[uuid.UUID]models.Offer),
		payments: make(map[uuid.UUID]models.Payment),
		receipts: make(map[uuid.UUID]models.Receipt),
		reviews:  make(map[uuid.UUID]models.Review),
		prefix:   "TK",
		rowLocks: make(map[string]*sync.Mutex),
	}
	return &Store{
		db:       d,
		Users:    &Users{d},
		Tasks:    &Tasks{d},
		Offers:   &Offers{d},
		Payments: &Payments{d},
		Receipts: &Receipts{d},
		Reviews:  &Reviews{d},
		Ledger:   &Ledger{d},
	}
}

// Begin starts a transaction that tracks row locks.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{db: s.db, held: make(map[string]*sync.Mutex)}, nil
}

func (d *db) rowLock(key string) *sync.Mutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	m, ok := d.rowLocks[key]
	if !ok {
		m = &sync.Mutex{}
		d.rowLocks[key] = m
	}
	return m
}

// lockRow blocks until tx holds the row lock for key. Calls outside a
// memstore transaction take no lock.
func (d *db) lockRow(tx pgx.Tx, key string) {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		return
	}
	t.mu.Lock()
	if _, held := t.held[key]; held || t.done {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	m := d.rowLock(key)
	m.Lock()
	t.mu.Lock()
	t.held[key] = m
	t.mu.Unlock()
}

// Tx satisfies pgx.Tx. Only Commit and Rollback do anything.
type Tx struct {
	db   *db
	mu   sync.Mutex
	held map[string]*sync.Mutex
	done bool
}

func (t *Tx) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	for k, m := range t.held {
		m.Unlock()
		delete(t.held, k)
	}
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return pgx.ErrTxClosed
	}
	t.release()
	return nil
}
func (t *Tx) Rollback(context.Context) error {
	t.release()
	return nil
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// --- users ---

type Users struct{ d *db }

func (r *Users) Create(_ context.Context, u *models.User) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, existing := range r.d.users {
		if existing.Email == u.Email {
			return apperr.Conflict("user already exists (users_email_key)")
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	r.d.users[u.ID] = *u
	return nil
}

func (r *Users) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	u, ok := r.d.users[id]
	if !ok {
		return nil, apperr.NotFound("user")
	}
	return &u, nil
}

func (r *Users) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, u := range r.d.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, apperr.NotFound("user")
}

func (r *Users) LockForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	r.d.mu.Lock()
	_, ok := r.d.users[id]
	r.d.mu.Unlock()
	if !ok {
		return apperr.NotFound("user")
	}
	r.d.lockRow(tx, "user:"+id.String())
	return nil
}

func (r *Users) UpdateRatings(_ context.Context, _ pgx.Tx, id uuid.UUID, ratings models.UserRatings) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	u, ok := r.d.users[id]
	if !ok {
		return apperr.NotFound("user")
	}
	u.Ratings = ratings
	u.UpdatedAt = time.Now().UTC()
	r.d.users[id] = u
	return nil
}

// --- tasks ---

type Tasks struct{ d *db }

func (r *Tasks) Create(_ context.Context, t *models.Task) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	r.d.tasks[t.ID] = *t
	return nil
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task")
	}
	return &t, nil
}

func (r *Tasks) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	r.d.lockRow(tx, "task:"+id.String())
	return r.GetByID(ctx, id)
}

func (r *Tasks) Assign(_ context.Context, _ pgx.Tx, taskID, assigneeID uuid.UUID) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tasks[taskID]
	if !ok || t.Status != models.TaskStatusOpen {
		return apperr.Conflict("task %s is no longer open", taskID)
	}
	t.Status = models.TaskStatusAssigned
	t.AssigneeID = &assigneeID
	t.UpdatedAt = time.Now().UTC()
	r.d.tasks[taskID] = t
	return nil
}

func (r *Tasks) UpdateStatus(_ context.Context, _ pgx.Tx, taskID uuid.UUID, from, to models.TaskStatus) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tasks[taskID]
	if !ok || t.Status != from {
		return apperr.Conflict("task %s is not %s", taskID, from)
	}
	t.Status = to
	if !to.HasAssignee() {
		t.AssigneeID = nil
	}
	t.UpdatedAt = time.Now().UTC()
	r.d.tasks[taskID] = t
	return nil
}

func (r *Tasks) MarkCompleted(_ context.Context, _ pgx.Tx, taskID uuid.UUID, at time.Time) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	t, ok := r.d.tasks[taskID]
	if !ok || t.Status != models.TaskStatusTodo {
		return apperr.Conflict("task %s is not todo", taskID)
	}
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &at
	t.UpdatedAt = time.Now().UTC()
	r.d.tasks[taskID] = t
	return nil
}

func (r *Tasks) ListByCreator(_ context.Context, creatorID uuid.UUID) ([]*models.Task, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var list []*models.Task
	for _, t := range r.d.tasks {
		if t.CreatorID == creatorID {
			list = append(list, &t)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// --- offers ---

type Offers struct{ d *db }

// Create waits out any transaction holding the task row and inserts only
// while the task is open, like the FOR SHARE guard in the pgx repository.
func (r *Offers) Create(_ context.Context, o *models.Offer) error {
	m := r.d.rowLock("task:" + o.TaskID.String())
	m.Lock()
	defer m.Unlock()
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if t, ok := r.d.tasks[o.TaskID]; !ok || t.Status != models.TaskStatusOpen {
		return apperr.Conflict("task %s no longer takes offers", o.TaskID)
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	r.d.offers[o.ID] = *o
	return nil
}

// Put stores an offer as-is, bypassing the open-task guard.
func (r *Offers) Put(o models.Offer) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.offers[o.ID] = o
}

func (r *Offers) GetByID(_ context.Context, id uuid.UUID) (*models.Offer, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	o, ok := r.d.offers[id]
	if !ok {
		return nil, apperr.NotFound("offer")
	}
	return &o, nil
}

func (r *Offers) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Offer, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var list []*models.Offer
	for _, o := range r.d.offers {
		if o.TaskID == taskID {
			o := o
			list = append(list, &o)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (r *Offers) Accept(_ context.Context, _ pgx.Tx, taskID, offerID uuid.UUID) ([]uuid.UUID, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	o, ok := r.d.offers[offerID]
	if !ok || o.TaskID != taskID || o.Status != models.OfferStatusPending {
		return nil, apperr.Conflict("offer %s is not pending", offerID)
	}
	for _, other := range r.d.offers {
		if other.TaskID == taskID && other.Status == models.OfferStatusAccepted {
			return nil, apperr.Conflict("accepted offer already exists (offers_one_accepted_per_task)")
		}
	}
	now := time.Now().UTC()
	o.Status = models.OfferStatusAccepted
	o.UpdatedAt = now
	r.d.offers[offerID] = o
	var rejected []uuid.UUID
	for id, other := range r.d.offers {
		if other.TaskID == taskID && id != offerID && other.Status == models.OfferStatusPending {
			other.Status = models.OfferStatusRejected
			other.UpdatedAt = now
			r.d.offers[id] = other
			rejected = append(rejected, other.BidderID)
		}
	}
	return rejected, nil
}

func (r *Offers) Withdraw(_ context.Context, offerID, bidderID uuid.UUID) (*models.Offer, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	o, ok := r.d.offers[offerID]
	if !ok || o.BidderID != bidderID || o.Status != models.OfferStatusPending {
		return nil, apperr.Conflict("offer %s is not a pending offer of this bidder", offerID)
	}
	o.Status = models.OfferStatusWithdrawn
	o.UpdatedAt = time.Now().UTC()
	r.d.offers[offerID] = o
	return &o, nil
}

// --- payments ---

type Payments struct{ d *db }

func (r *Payments) CreateTx(_ context.Context, _ pgx.Tx, p *models.Payment) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, existing := range r.d.payments {
		if existing.TaskID == p.TaskID {
			return apperr.Conflict("payment already exists (payments_task_id_key)")
		}
	}
	if !p.Balanced() {
		return fmt.Errorf("payments_balanced check violated for payment %s", p.ID)
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.d.payments[p.ID] = *p
	return nil
}

func (r *Payments) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment")
	}
	return &p, nil
}

func (r *Payments) GetByTaskID(_ context.Context, taskID uuid.UUID) (*models.Payment, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, p := range r.d.payments {
		if p.TaskID == taskID {
			return &p, nil
		}
	}
	return nil, apperr.NotFound("payment")
}

func (r *Payments) GetByTaskIDForUpdate(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Payment, error) {
	r.d.lockRow(tx, "payment:"+taskID.String())
	return r.GetByTaskID(ctx, taskID)
}

func (r *Payments) UpdateStatus(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to models.PaymentStatus) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	p, ok := r.d.payments[id]
	if !ok || p.Status != from {
		return apperr.Conflict("payment %s is not %s", id, from)
	}
	now := time.Now().UTC()
	p.Status = to
	if to == models.PaymentStatusCompleted {
		p.CapturedAt = &now
	}
	p.UpdatedAt = now
	r.d.payments[id] = p
	return nil
}

// --- receipts ---

type Receipts struct{ d *db }

// FailInserts makes every subsequent Insert return err; nil restores normal
// behaviour.
func (r *Receipts) FailInserts(err error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.receiptInsertErr = err
}

func (r *Receipts) Insert(_ context.Context, rc *models.Receipt) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.d.receiptInsertErr != nil {
		return r.d.receiptInsertErr
	}
	r.d.receiptSeq++
	for _, existing := range r.d.receipts {
		if existing.TaskID == rc.TaskID && existing.Type == rc.Type {
			return apperr.Conflict("receipt already exists (receipts_one_per_task_and_type)")
		}
	}
	rc.Number = fmt.Sprintf("%s%08d", r.d.prefix, r.d.receiptSeq)
	rc.GeneratedAt = time.Now().UTC()
	r.d.receipts[rc.ID] = *rc
	return nil
}

func (r *Receipts) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Receipt, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var list []*models.Receipt
	for _, rc := range r.d.receipts {
		if rc.TaskID == taskID {
			rc := rc
			list = append(list, &rc)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type > list[j].Type })
	return list, nil
}

func (r *Receipts) GetByNumber(_ context.Context, number string) (*models.Receipt, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, rc := range r.d.receipts {
		if rc.Number == number {
			return &rc, nil
		}
	}
	return nil, apperr.NotFound("receipt")
}

// Count returns the number of stored receipts.
func (r *Receipts) Count() int {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return len(r.d.receipts)
}

// --- reviews ---

type Reviews struct{ d *db }

func (r *Reviews) Create(_ context.Context, rv *models.Review) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, existing := range r.d.reviews {
		if existing.TaskID == rv.TaskID && existing.ReviewerID == rv.ReviewerID && existing.RevieweeID == rv.RevieweeID {
			return apperr.Conflict("review already exists (reviews_one_per_pair)")
		}
	}
	rv.CreatedAt = time.Now().UTC()
	r.d.reviews[rv.ID] = *rv
	return nil
}

// Put stores a review as-is, bypassing constraints. Tests use it to seed
// out-of-band history such as hidden reviews.
func (r *Reviews) Put(rv models.Review) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	r.d.reviews[rv.ID] = rv
}

func (r *Reviews) visibleFor(revieweeID uuid.UUID) []*models.Review {
	var list []*models.Review
	for _, rv := range r.d.reviews {
		if rv.RevieweeID == revieweeID && rv.Visible {
			rv := rv
			list = append(list, &rv)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

func (r *Reviews) ListVisibleByReviewee(_ context.Context, _ pgx.Tx, revieweeID uuid.UUID) ([]*models.Review, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.visibleFor(revieweeID), nil
}

func (r *Reviews) ListRecentVisible(_ context.Context, revieweeID uuid.UUID, limit int) ([]*models.Review, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	list := r.visibleFor(revieweeID)
	if limit >= 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// --- ledger ---

type Ledger struct{ d *db }

func (r *Ledger) Append(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	for _, existing := range r.d.ledger {
		if existing.PaymentID == e.PaymentID && existing.Type == e.Type {
			e.ID, e.CreatedAt = existing.ID, existing.CreatedAt
			return nil
		}
	}
	e.CreatedAt = time.Now().UTC()
	r.d.ledger = append(r.d.ledger, *e)
	return nil
}

// ListByUser returns entries newest first; entries appended later sort first
// even when timestamps tie.
func (r *Ledger) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var list []*models.LedgerEntry
	for i := len(r.d.ledger) - 1; i >= 0 && len(list) < limit; i-- {
		e := r.d.ledger[i]
		if e.PayerID == userID || e.PayeeID == userID {
			list = append(list, &e)
		}
	}
	return list, nil
}

// Entries returns every entry for a payment in append order.
func (r *Ledger) Entries(paymentID uuid.UUID) []models.LedgerEntry {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range r.d.ledger {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out
}

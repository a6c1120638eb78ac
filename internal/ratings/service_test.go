package ratings

import (
	"context"
	"fmt"
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

type memCache struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]*Stats
	invalidated int
	beforeSet   func()
}

func newMemCache() *memCache { return &memCache{entries: make(map[uuid.UUID]*Stats)} }

func (c *memCache) Get(_ context.Context, id uuid.UUID) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id], nil
}

func (c *memCache) Set(_ context.Context, s *Stats) error {
	if c.beforeSet != nil {
		c.beforeSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.UserID] = s
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.invalidated++
	return nil
}

type recordingJobs struct {
	mu         sync.Mutex
	events     []notify.Event
	recomputes []uuid.UUID
}

func (j *recordingJobs) EnqueueNotification(_ context.Context, _ pgx.Tx, ev notify.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *recordingJobs) EnqueueRecomputeRatings(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recomputes = append(j.recomputes, userID)
	return nil
}

// failingRatings fails the next UpdateRatings call once.
type failingRatings struct {
	*memstore.Users
	mu   sync.Mutex
	fail error
}

func (f *failingRatings) UpdateRatings(ctx context.Context, tx pgx.Tx, id uuid.UUID, r models.UserRatings) error {
	f.mu.Lock()
	err := f.fail
	f.fail = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Users.UpdateRatings(ctx, tx, id, r)
}

type fixture struct {
	store  *memstore.Store
	cache  *memCache
	jobs   *recordingJobs
	agg    *Aggregator
	svc    *service
	poster uuid.UUID
	tasker uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	f := &fixture{store: st, cache: newMemCache(), jobs: &recordingJobs{}, poster: uuid.New(), tasker: uuid.New()}
	for i, id := range []uuid.UUID{f.poster, f.tasker} {
		require.NoError(t, st.Users.Create(ctx, &models.User{ID: id, Email: fmt.Sprintf("u%d@example.com", i), DisplayName: "user"}))
	}
	f.agg = NewAggregator(st, st.Users, st.Reviews, f.cache, nil)
	f.svc = NewService(st.Tasks, st.Users, st.Reviews, f.agg, f.cache, f.jobs, nil)
	return f
}

func (f *fixture) task(t *testing.T, status models.TaskStatus) *models.Task {
	t.Helper()
	tasker := f.tasker
	task := &models.Task{ID: uuid.New(), Title: "Hang shelves", CreatorID: f.poster, AssigneeID: &tasker,
		Budget: models.Money{Minor: 5000, Currency: "USD"}, Status: status}
	require.NoError(t, f.store.Tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) ratings(t *testing.T, id uuid.UUID) models.UserRatings {
	t.Helper()
	u, err := f.store.Users.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u.Ratings
}

func TestCreateReview_UpdatesRevieweeAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, models.TaskStatusCompleted)

	r, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 4, Text: " Tidy work "})
	require.NoError(t, err)
	assert.Equal(t, models.RolePoster, r.ReviewerRole)
	assert.Equal(t, "Tidy work", r.Text)
	assert.True(t, r.Visible)

	got := f.ratings(t, f.tasker)
	assert.Equal(t, 1, got.Overall.Count)
	assert.Equal(t, 1, got.AsTasker.Count)
	assert.Zero(t, got.AsPoster.Count)
	assert.InDelta(t, 4.0, got.AsTasker.Average, 1e-9)

	_, err = f.svc.CreateReview(ctx, f.poster, ReviewInput{TaskID: task.ID, ReviewerID: f.tasker, Rating: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, f.ratings(t, f.poster).AsPoster.Count)
	assert.Len(t, f.jobs.events, 2)
	assert.Empty(t, f.jobs.recomputes)
}

func TestCreateReview_FailedRecomputeIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := &failingRatings{Users: f.store.Users, fail: fmt.Errorf("deadlock detected")}
	f.agg = NewAggregator(f.store, users, f.store.Reviews, f.cache, nil)
	f.svc = NewService(f.store.Tasks, f.store.Users, f.store.Reviews, f.agg, f.cache, f.jobs, nil)
	task := f.task(t, models.TaskStatusCompleted)

	_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 5})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.tasker}, f.jobs.recomputes)
	assert.Zero(t, f.ratings(t, f.tasker).Overall.Count)

	// What the recompute_ratings worker runs.
	_, err = f.agg.Recompute(ctx, f.tasker)
	require.NoError(t, err)
	got := f.ratings(t, f.tasker)
	assert.Equal(t, 1, got.Overall.Count)
	assert.InDelta(t, 5.0, got.Overall.Average, 1e-9)
}

func TestCreateReview_DuplicateConflictsAndLeavesAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, models.TaskStatusCompleted)

	_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 5})
	require.NoError(t, err)
	before := f.ratings(t, f.tasker)

	_, err = f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, before, f.ratings(t, f.tasker))
}

func TestCreateReview_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.task(t, models.TaskStatusCompleted)
	open := f.task(t, models.TaskStatusTodo)
	outsider := uuid.New()

	cases := []struct {
		name     string
		reviewee uuid.UUID
		in       ReviewInput
		want     error
	}{
		{"rating too low", f.tasker, ReviewInput{TaskID: done.ID, ReviewerID: f.poster, Rating: 0}, apperr.ErrValidation},
		{"rating too high", f.tasker, ReviewInput{TaskID: done.ID, ReviewerID: f.poster, Rating: 6}, apperr.ErrValidation},
		{"self review", f.poster, ReviewInput{TaskID: done.ID, ReviewerID: f.poster, Rating: 3}, apperr.ErrValidation},
		{"task not completed", f.tasker, ReviewInput{TaskID: open.ID, ReviewerID: f.poster, Rating: 3}, apperr.ErrConflict},
		{"reviewer not on task", f.tasker, ReviewInput{TaskID: done.ID, ReviewerID: outsider, Rating: 3}, apperr.ErrForbidden},
		{"reviewee not on task", outsider, ReviewInput{TaskID: done.ID, ReviewerID: f.poster, Rating: 3}, apperr.ErrValidation},
		{"missing task", f.tasker, ReviewInput{TaskID: uuid.New(), ReviewerID: f.poster, Rating: 3}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateReview(ctx, tc.reviewee, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.ratings(t, f.tasker).Overall.Count)
}

func TestRecompute_IgnoresHiddenReviewsAddedOutOfBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, models.TaskStatusCompleted)

	f.store.Reviews.Put(models.Review{ID: uuid.New(), TaskID: uuid.New(), ReviewerID: uuid.New(), RevieweeID: f.tasker,
		ReviewerRole: models.RolePoster, Rating: 1, Visible: false})
	f.store.Reviews.Put(models.Review{ID: uuid.New(), TaskID: uuid.New(), ReviewerID: uuid.New(), RevieweeID: f.tasker,
		ReviewerRole: models.RolePoster, Rating: 3, Visible: true})

	_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 5})
	require.NoError(t, err)

	got := f.ratings(t, f.tasker)
	assert.Equal(t, 2, got.Overall.Count)
	assert.InDelta(t, 4.0, got.Overall.Average, 1e-9)
	assert.Equal(t, [5]int{0, 0, 1, 0, 1}, got.AsTasker.Histogram)
}

func TestRecompute_ConcurrentReviewsAllCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		reviewer := uuid.New()
		tasker := f.tasker
		task := &models.Task{ID: uuid.New(), Title: "job", CreatorID: reviewer, AssigneeID: &tasker, Status: models.TaskStatusCompleted,
			Budget: models.Money{Minor: 100, Currency: "USD"}}
		require.NoError(t, f.store.Tasks.Create(ctx, task))
		wg.Add(1)
		go func(rating int) {
			defer wg.Done()
			_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: reviewer, Rating: rating})
			assert.NoError(t, err)
		}(1 + i%5)
	}
	wg.Wait()

	got := f.ratings(t, f.tasker)
	assert.Equal(t, n, got.Overall.Count)
	sum := 0
	for _, c := range got.Overall.Histogram {
		sum += c
	}
	assert.Equal(t, n, sum)
}

func TestRatingStats_CachesAndCapsRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < RecentReviewLimit+3; i++ {
		reviewer := uuid.New()
		tasker := f.tasker
		task := &models.Task{ID: uuid.New(), Title: "job", CreatorID: reviewer, AssigneeID: &tasker, Status: models.TaskStatusCompleted,
			Budget: models.Money{Minor: 100, Currency: "USD"}}
		require.NoError(t, f.store.Tasks.Create(ctx, task))
		_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: reviewer, Rating: 4})
		require.NoError(t, err)
	}

	stats, err := f.svc.RatingStats(ctx, f.tasker)
	require.NoError(t, err)
	assert.Equal(t, RecentReviewLimit+3, stats.Overall.Count)
	assert.Len(t, stats.RecentReviews, RecentReviewLimit)

	cached, _ := f.cache.Get(ctx, f.tasker)
	require.NotNil(t, cached)

	// A new review invalidates the cached entry.
	task := f.task(t, models.TaskStatusCompleted)
	_, err = f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 2})
	require.NoError(t, err)
	cached, _ = f.cache.Get(ctx, f.tasker)
	assert.Nil(t, cached)

	stats, err = f.svc.RatingStats(ctx, f.tasker)
	require.NoError(t, err)
	assert.Equal(t, RecentReviewLimit+4, stats.Overall.Count)
}

func TestRatingStats_RecomputeDuringFillDropsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, models.TaskStatusCompleted)
	_, err := f.svc.CreateReview(ctx, f.tasker, ReviewInput{TaskID: task.ID, ReviewerID: f.poster, Rating: 4})
	require.NoError(t, err)

	// A review lands after the stats were loaded but before they are cached.
	f.cache.beforeSet = func() {
		f.cache.beforeSet = nil
		f.store.Reviews.Put(models.Review{ID: uuid.New(), TaskID: uuid.New(), ReviewerID: uuid.New(), RevieweeID: f.tasker,
			ReviewerRole: models.RolePoster, Rating: 2, Visible: true})
		_, err := f.agg.Recompute(ctx, f.tasker)
		require.NoError(t, err)
	}
	stats, err := f.svc.RatingStats(ctx, f.tasker)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Overall.Count)

	cached, _ := f.cache.Get(ctx, f.tasker)
	assert.Nil(t, cached)
	stats, err = f.svc.RatingStats(ctx, f.tasker)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Overall.Count)
}

func TestRatingStats_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RatingStats(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

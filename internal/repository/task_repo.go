package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, title, budget_minor, currency, status, creator_id, assignee_id, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Title, &t.Budget.Minor, &t.Budget.Currency, &t.Status, &t.CreatorID, &t.AssigneeID, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, translate(err, "task")
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, title, budget_minor, currency, status, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Budget.Minor, t.Budget.Currency, t.Status, t.CreatorID).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row; concurrent acceptances and completions
// of the same task queue behind this lock. Call within a transaction.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// Assign moves an open task to assigned. It fails with ErrConflict if the
// task is no longer open.
func (r *TaskRepo) Assign(ctx context.Context, tx pgx.Tx, taskID, assigneeID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'assigned', assignee_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'open'
	`, taskID, assigneeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("task %s is no longer open", taskID)
	}
	return nil
}

// UpdateStatus performs a compare-and-set on status. The assignee is cleared
// for statuses that must not carry one.
func (r *TaskRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, from, to models.TaskStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $3,
			assignee_id = CASE WHEN $3 IN ('assigned', 'todo', 'completed') THEN assignee_id ELSE NULL END,
			updated_at = now()
		WHERE id = $1 AND status = $2
	`, taskID, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("task %s is not %s", taskID, from)
	}
	return nil
}

// MarkCompleted moves a todo task to completed and stamps the completion time.
func (r *TaskRepo) MarkCompleted(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'todo'
	`, taskID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("task %s is not todo", taskID)
	}
	return nil
}

func (r *TaskRepo) ListByCreator(ctx context.Context, creatorID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE creator_id = $1 ORDER BY created_at DESC`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

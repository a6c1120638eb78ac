package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

// Task lifecycle: open -> assigned -> todo -> completed, cancelled from open|assigned.
const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusTodo      TaskStatus = "todo"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Budget      Money      `json:"budget"`
	Status      TaskStatus `json:"status"`
	CreatorID   uuid.UUID  `json:"creator_id"`
	AssigneeID  *uuid.UUID `json:"assignee_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HasAssignee reports whether the status requires a non-nil assignee.
func (s TaskStatus) HasAssignee() bool {
	switch s {
	case TaskStatusAssigned, TaskStatusTodo, TaskStatusCompleted:
		return true
	default:
		return false
	}
}

// IsParticipant reports whether userID is the poster or the assignee.
func (t *Task) IsParticipant(userID uuid.UUID) bool {
	if t.CreatorID == userID {
		return true
	}
	return t.AssigneeID != nil && *t.AssigneeID == userID
}

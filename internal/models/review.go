package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the part a user played on a task.
type Role string

const (
	RolePoster Role = "poster"
	RoleTasker Role = "tasker"
)

// ParseRole accepts only the two known roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePoster, RoleTasker:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Counterpart returns the role of the other participant.
func (r Role) Counterpart() Role {
	if r == RolePoster {
		return RoleTasker
	}
	return RolePoster
}

const (
	MinRating        = 1
	MaxRating        = 5
	MaxReviewTextLen = 2000
)

type Review struct {
	ID           uuid.UUID `json:"id"`
	TaskID       uuid.UUID `json:"task_id"`
	ReviewerID   uuid.UUID `json:"reviewer_id"`
	RevieweeID   uuid.UUID `json:"reviewee_id"`
	ReviewerRole Role      `json:"reviewer_role"`
	Rating       int       `json:"rating"`
	Text         string    `json:"text"`
	Visible      bool      `json:"visible"`
	CreatedAt    time.Time `json:"created_at"`
}

// RevieweeRole is the role the reviewee acted in: the counterpart of the reviewer.
func (r *Review) RevieweeRole() Role {
	return r.ReviewerRole.Counterpart()
}

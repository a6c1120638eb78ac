package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID   `json:"id"`
	Email        string      `json:"email"`
	DisplayName  string      `json:"display_name"`
	PasswordHash string      `json:"-"`
	Ratings      UserRatings `json:"ratings"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// UserRatings is the derived rating summary stored on the user row. It is
// always rewritten in full by the rating aggregator.
type UserRatings struct {
	Overall  RatingAggregate `json:"overall"`
	AsPoster RatingAggregate `json:"as_poster"`
	AsTasker RatingAggregate `json:"as_tasker"`
}

// RatingAggregate summarises a set of 1..5 star ratings.
// Histogram[i] counts ratings equal to i+1.
type RatingAggregate struct {
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
	Histogram [5]int  `json:"histogram"`
}

// Package lifecycle is the transition table for task status changes.
package lifecycle

import (
	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

// Actor identifies who is driving a transition.
type Actor string

const (
	ActorPoster Actor = "poster"
	ActorTasker Actor = "tasker"
	ActorSystem Actor = "system"
)

type edge struct {
	from, to models.TaskStatus
}

// allowed maps each legal edge to the actors that may trigger it.
// open->assigned is only reachable through offer acceptance, which runs as the poster.
var allowed = map[edge][]Actor{
	{models.TaskStatusOpen, models.TaskStatusAssigned}:      {ActorPoster},
	{models.TaskStatusAssigned, models.TaskStatusTodo}:      {ActorTasker},
	{models.TaskStatusTodo, models.TaskStatusCompleted}:     {ActorPoster},
	{models.TaskStatusOpen, models.TaskStatusCancelled}:     {ActorPoster, ActorSystem},
	{models.TaskStatusAssigned, models.TaskStatusCancelled}: {ActorPoster, ActorSystem},
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.TaskStatus) bool {
	return s == models.TaskStatusCompleted || s == models.TaskStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to models.TaskStatus) bool {
	_, ok := allowed[edge{from, to}]
	return ok
}

// Transition validates that actor may move a task from -> to.
// It returns an *apperr.TransitionError for edges outside the table and
// apperr.ErrForbidden when the edge exists but belongs to another actor.
func Transition(from, to models.TaskStatus, actor Actor) error {
	actors, ok := allowed[edge{from, to}]
	if !ok {
		return &apperr.TransitionError{From: string(from), To: string(to)}
	}
	for _, a := range actors {
		if a == actor {
			return nil
		}
	}
	return apperr.Forbidden("%s may not move a task from %s to %s", actor, from, to)
}

// Package notify is the fire-and-forget notification collaborator. Events are
// delivered from river jobs so a slow or unavailable broker never blocks a
// settlement request.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	EventOfferAccepted = "offer.accepted"
	EventOfferRejected = "offer.rejected"
	EventTaskCompleted = "task.completed"
	EventTaskCancelled = "task.cancelled"
	EventReviewCreated = "review.created"
)

// Event is one notification for one user.
type Event struct {
	UserID     uuid.UUID         `json:"userId"`
	Type       string            `json:"event"`
	TaskID     uuid.UUID         `json:"taskId"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func NewEvent(userID uuid.UUID, typ string, taskID uuid.UUID, payload map[string]string) Event {
	return Event{UserID: userID, Type: typ, TaskID: taskID, Payload: payload, OccurredAt: time.Now().UTC()}
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info("notification", "user_id", ev.UserID, "event", ev.Type, "task_id", ev.TaskID)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

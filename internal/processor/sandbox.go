package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/models"
)

type sandboxIntent struct {
	ID       string
	Amount   models.Money
	Metadata map[string]string
	Status   string
}

// Sandbox is an in-process processor for local development. It honours
// idempotency keys the way a real gateway does: a repeated key returns the
// first result.
type Sandbox struct {
	mu      sync.Mutex
	intents map[string]*sandboxIntent
	byKey   map[string]string
}

func NewSandbox() *Sandbox {
	return &Sandbox{intents: make(map[string]*sandboxIntent), byKey: make(map[string]string)}
}

var _ Processor = (*Sandbox)(nil)

func (s *Sandbox) CreateHeldCharge(_ context.Context, amount models.Money, metadata map[string]string, idempotencyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[idempotencyKey]; ok {
		return id, nil
	}
	if amount.Minor <= 0 {
		return "", &apperr.ProcessorError{Op: "create", Err: fmt.Errorf("amount must be positive")}
	}
	id := "pi_sandbox_" + uuid.NewString()
	s.intents[id] = &sandboxIntent{ID: id, Amount: amount, Metadata: metadata, Status: "requires_capture"}
	s.byKey[idempotencyKey] = id
	return id, nil
}

func (s *Sandbox) Capture(_ context.Context, intentID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentID]
	if !ok {
		return &apperr.ProcessorError{Op: "capture", Err: fmt.Errorf("no such intent %s", intentID)}
	}
	switch in.Status {
	case "succeeded":
		return nil
	case "requires_capture":
		in.Status = "succeeded"
		return nil
	default:
		return &apperr.ProcessorError{Op: "capture", Err: fmt.Errorf("intent %s is %s", intentID, in.Status)}
	}
}

func (s *Sandbox) Cancel(_ context.Context, intentID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[intentID]
	if !ok {
		return &apperr.ProcessorError{Op: "cancel", Err: fmt.Errorf("no such intent %s", intentID)}
	}
	switch in.Status {
	case "canceled":
		return nil
	case "requires_capture":
		in.Status = "canceled"
		return nil
	default:
		return &apperr.ProcessorError{Op: "cancel", Err: fmt.Errorf("intent %s is %s", intentID, in.Status)}
	}
}

// Status exposes an intent's state for tests and diagnostics.
func (s *Sandbox) Status(intentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.intents[intentID]; ok {
		return in.Status
	}
	return ""
}

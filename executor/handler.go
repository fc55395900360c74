package executor

import (
	"context"
	"sync"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/trigger"
)

// Result is what an action collaborator returns on success. RollbackData
// feeds compensation when the chain later fails.
type Result struct {
	Success      bool                   `json:"success"`
	Data         map[string]interface{} `json:"data,omitempty"`
	RollbackData map[string]interface{} `json:"rollback_data,omitempty"`
}

// Handler executes one action type against an event. Implementations are
// injected collaborators (webhook sender, mailer, CRM client).
type Handler interface {
	Execute(ctx context.Context, action *trigger.Action, event *eventbus.Event) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, action *trigger.Action, event *eventbus.Event) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, action *trigger.Action, event *eventbus.Event) (*Result, error) {
	return f(ctx, action, event)
}

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action type, replacing any previous one.
func (r *Registry) Register(actionType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = handler
}

// Get returns the handler for an action type. An unknown type is a
// validation error: waiting will not make a handler appear.
func (r *Registry) Get(actionType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, &core.DomainError{
			Op:      "executor.Registry.Get",
			Kind:    core.KindValidation,
			Message: "no handler registered for action type",
			Err:     core.ErrValidation,
		}
	}
	return handler, nil
}

// TokenRefresher renews an expired integration credential so the same
// attempt can be replayed. Used by the CRM token-refresh path.
type TokenRefresher interface {
	Refresh(ctx context.Context, action *trigger.Action) error
}

// DeadLetterSink receives failures that exhausted their retries or were
// permanent from the start. Implemented by the dlq package.
type DeadLetterSink interface {
	Add(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger, action *trigger.Action, reason string, lastErr error) error
}

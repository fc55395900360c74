package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
)

// Store persists triggers and their action chains.
type Store interface {
	// Save inserts or replaces a trigger with its actions, enforcing the
	// activation invariant.
	Save(ctx context.Context, t *Trigger) error

	// Get returns the trigger with actions loaded, or core.ErrNotFound.
	Get(ctx context.Context, id string) (*Trigger, error)

	// ListActive returns active triggers for the tenant and event type,
	// including platform-global rules, sorted by priority ascending.
	// Actions come back sorted by (order, id).
	ListActive(ctx context.Context, tenantID, eventType string) ([]*Trigger, error)

	// SetStatus toggles a trigger's status. Activating a trigger with no
	// actions is rejected.
	SetStatus(ctx context.Context, id, status string) error

	// Delete removes the trigger and cascades to its actions.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-memory Store used by tests and single-process
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	triggers map[string]*Trigger
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		triggers: make(map[string]*Trigger),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	for _, action := range t.Actions {
		if action.ID == "" {
			action.ID = uuid.NewString()
		}
		action.TriggerID = t.ID
		if action.CreatedAt.IsZero() {
			action.CreatedAt = now
		}
	}
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = copyTrigger(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.triggers[id]
	if !ok {
		return nil, &core.DomainError{Op: "trigger.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	return copyTrigger(t), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, tenantID, eventType string) ([]*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Trigger
	for _, t := range s.triggers {
		if t.Status != StatusActive || t.EventType != eventType {
			continue
		}
		// Platform-global rules (no tenant) apply to every tenant.
		if t.TenantID != "" && t.TenantID != tenantID {
			continue
		}
		matched = append(matched, copyTrigger(t))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return &core.DomainError{Op: "trigger.SetStatus", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	if status == StatusActive && len(t.Actions) == 0 {
		return &core.DomainError{Op: "trigger.SetStatus", Kind: core.KindValidation, ID: id,
			Message: "an active trigger must have at least one action", Err: core.ErrValidation}
	}
	t.Status = status
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return &core.DomainError{Op: "trigger.Delete", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	delete(s.triggers, id)
	return nil
}

// copyTrigger deep-copies the trigger so callers cannot mutate stored
// state, with actions pre-sorted for execution.
func copyTrigger(t *Trigger) *Trigger {
	copied := *t
	copied.FormIDs = append([]string(nil), t.FormIDs...)
	copied.Conditions = append([]Condition(nil), t.Conditions...)
	copied.Actions = make([]*Action, len(t.Actions))
	for i, a := range t.Actions {
		action := *a
		copied.Actions[i] = &action
	}
	SortActions(copied.Actions)
	return &copied
}
